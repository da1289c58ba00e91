package async

import (
	"context"
	"sync"
	"time"
)

// Group runs fire-and-forget tasks with an optional concurrency cap and lets
// the owner wait for everything still in flight, typically during shutdown.
type Group struct {
	sem chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGroup creates a group. limit <= 0 means unbounded.
func NewGroup(limit int) *Group {
	g := &Group{}
	if limit > 0 {
		g.sem = make(chan struct{}, limit)
	}
	return g
}

// Go schedules fn. When the group is at its limit, Go blocks until a slot frees
// up or ctx is done. The task itself runs with a context detached from ctx's
// cancellation so a finished request does not abort background bookkeeping.
func (g *Group) Go(ctx context.Context, fn func(context.Context) error) *Future {
	f := newFuture()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		f.resolve(ErrGroupClosed)
		return f
	}
	g.wg.Add(1)
	g.mu.Unlock()

	if g.sem != nil {
		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			g.wg.Done()
			f.resolve(ctx.Err())
			return f
		}
	}

	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer g.wg.Done()
		if g.sem != nil {
			defer func() { <-g.sem }()
		}
		f.resolve(call(taskCtx, struct{}{}, func(ctx context.Context, _ struct{}) error {
			return fn(ctx)
		}))
	}()

	return f
}

// Wait blocks until every scheduled task finished.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Close rejects new tasks and waits up to timeout for in-flight ones.
// Returns ErrTimeout when tasks are still running after timeout.
func (g *Group) Close(timeout time.Duration) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}
