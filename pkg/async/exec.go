package async

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Future represents the result of an asynchronous computation that only returns an error.
type Future struct {
	err  error
	once sync.Once
	done chan struct{}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Await waits for the asynchronous function to complete and returns its error.
func (f *Future) Await() error {
	<-f.done
	return f.err
}

// AwaitWithTimeout waits for completion at most timeout.
// Returns ErrTimeout when the function is still running.
func (f *Future) AwaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.err
	case <-timer.C:
		return ErrTimeout
	}
}

// IsComplete checks if the asynchronous function is complete without blocking.
func (f *Future) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on completion.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Exec runs fn with param in a new goroutine.
// A panic inside fn is converted into the future's error.
func Exec[T any](ctx context.Context, param T, fn func(context.Context, T) error) *Future {
	f := newFuture()

	go func() {
		// Early exit prevents work on an already cancelled context
		if err := ctx.Err(); err != nil {
			f.resolve(err)
			return
		}
		f.resolve(call(ctx, param, fn))
	}()

	return f
}

func call[T any](ctx context.Context, param T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async task panicked: %v", r)
		}
	}()
	return fn(ctx, param)
}

// ExecAll waits for all futures and returns the first error in argument order.
func ExecAll(futures ...*Future) error {
	var first error
	for _, future := range futures {
		if err := future.Await(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ExecAny waits for the first future to complete and returns its index and error.
func ExecAny(futures ...*Future) (int, error) {
	if len(futures) == 0 {
		return -1, ErrNoFutures
	}

	type result struct {
		index int
		err   error
	}
	// buffered so late finishers never block
	done := make(chan result, len(futures))

	for i, future := range futures {
		go func() {
			err := future.Await()
			done <- result{i, err}
		}()
	}

	res := <-done
	return res.index, res.err
}
