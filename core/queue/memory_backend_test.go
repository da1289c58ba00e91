package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/conveyor/core/queue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newJob(q, id string, priority int, state queue.State, runAt time.Time) *queue.Job {
	return &queue.Job{
		ID:        id,
		Queue:     q,
		Name:      "test",
		Data:      []byte(`{}`),
		Options:   queue.Options{JobID: id, Priority: priority, Attempts: 3},
		State:     state,
		RunAt:     runAt,
		CreatedAt: runAt,
	}
}

func TestMemoryBackend_ClaimOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	mb := queue.NewMemoryBackend(queue.WithMemoryClock(clock.Now))

	require.NoError(t, mb.Add(ctx, newJob("q", "low-1", 1, queue.StateWaiting, clock.Now())))
	require.NoError(t, mb.Add(ctx, newJob("q", "high-1", 10, queue.StateWaiting, clock.Now())))
	require.NoError(t, mb.Add(ctx, newJob("q", "low-2", 1, queue.StateWaiting, clock.Now())))
	require.NoError(t, mb.Add(ctx, newJob("q", "high-2", 10, queue.StateWaiting, clock.Now())))

	var order []string
	for range 4 {
		job, err := mb.Claim(ctx, "q", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, queue.StateActive, job.State)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, order)

	_, err := mb.Claim(ctx, "q", time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoJobAvailable)
}

func TestMemoryBackend_DelayedPromotion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	mb := queue.NewMemoryBackend(queue.WithMemoryClock(clock.Now))

	require.NoError(t, mb.Add(ctx, newJob("q", "later", 5, queue.StateDelayed, clock.Now().Add(time.Minute))))

	_, err := mb.Claim(ctx, "q", time.Minute)
	require.ErrorIs(t, err, queue.ErrNoJobAvailable)

	counts, err := mb.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	clock.Advance(time.Minute)

	job, err := mb.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "later", job.ID)
}

func TestMemoryBackend_DuplicateID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mb := queue.NewMemoryBackend()

	require.NoError(t, mb.Add(ctx, newJob("q", "same", 0, queue.StateWaiting, time.Now())))
	err := mb.Add(ctx, newJob("q", "same", 0, queue.StateWaiting, time.Now()))
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)

	// same id in another queue is fine
	require.NoError(t, mb.Add(ctx, newJob("other", "same", 0, queue.StateWaiting, time.Now())))
}

func TestMemoryBackend_FailAndRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	mb := queue.NewMemoryBackend(queue.WithMemoryClock(clock.Now))

	require.NoError(t, mb.Add(ctx, newJob("q", "j", 0, queue.StateWaiting, clock.Now())))
	_, err := mb.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)

	retryAt := clock.Now().Add(2 * time.Second)
	job, err := mb.Fail(ctx, "q", "j", "boom", &retryAt)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "boom", job.FailedReason)

	clock.Advance(2 * time.Second)
	_, err = mb.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)

	job, err = mb.Fail(ctx, "q", "j", "boom again", nil)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 2, job.AttemptsMade)
	require.NotNil(t, job.FinishedAt)

	job, err = mb.Retry(ctx, "q", "j")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 2, job.AttemptsMade)
	assert.Nil(t, job.FinishedAt)
}

func TestMemoryBackend_CompleteRequiresActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mb := queue.NewMemoryBackend()
	require.NoError(t, mb.Add(ctx, newJob("q", "j", 0, queue.StateWaiting, time.Now())))

	_, err := mb.Complete(ctx, "q", "j", nil)
	assert.ErrorIs(t, err, queue.ErrJobNotActive)

	_, err = mb.Complete(ctx, "q", "missing", nil)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestMemoryBackend_Cancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mb := queue.NewMemoryBackend()
	require.NoError(t, mb.Add(ctx, newJob("q", "active", 1, queue.StateWaiting, time.Now())))
	require.NoError(t, mb.Add(ctx, newJob("q", "waiting", 0, queue.StateWaiting, time.Now())))

	_, err := mb.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, mb.Cancel(ctx, "q", "active"), queue.ErrJobActive)
	require.NoError(t, mb.Cancel(ctx, "q", "waiting"))

	_, err = mb.Get(ctx, "q", "waiting")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestMemoryBackend_RecoverStalled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	mb := queue.NewMemoryBackend(queue.WithMemoryClock(clock.Now))
	require.NoError(t, mb.Add(ctx, newJob("q", "j", 0, queue.StateWaiting, clock.Now())))

	_, err := mb.Claim(ctx, "q", time.Second)
	require.NoError(t, err)

	n, err := mb.RecoverStalled(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, mb.ExtendLock(ctx, "q", "j", 10*time.Second))
	clock.Advance(5 * time.Second)
	n, err = mb.RecoverStalled(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * time.Second)
	n, err = mb.RecoverStalled(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := mb.Get(ctx, "q", "j")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Nil(t, job.LockedUntil)
}

func TestMemoryBackend_Trim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	mb := queue.NewMemoryBackend(queue.WithMemoryClock(clock.Now))

	for i := range 5 {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, mb.Add(ctx, newJob("q", id, 0, queue.StateWaiting, clock.Now())))
		_, err := mb.Claim(ctx, "q", time.Minute)
		require.NoError(t, err)
		_, err = mb.Complete(ctx, "q", id, nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	removed, err := mb.Trim(ctx, "q", queue.Retention{CompletedAge: time.Hour, CompletedCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	jobs, err := mb.List(ctx, "q", queue.StateCompleted, 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "c4", jobs[0].ID)

	clock.Advance(2 * time.Hour)
	removed, err = mb.Trim(ctx, "q", queue.Retention{CompletedAge: time.Hour, CompletedCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestMemoryBackend_ListPagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mb := queue.NewMemoryBackend()
	for i := range 5 {
		require.NoError(t, mb.Add(ctx, newJob("q", fmt.Sprintf("j%d", i), 0, queue.StateWaiting, time.Now())))
	}

	jobs, err := mb.List(ctx, "q", queue.StateWaiting, 1, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, "j2", jobs[1].ID)

	jobs, err = mb.List(ctx, "q", queue.StateWaiting, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = mb.List(ctx, "q", queue.State("bogus"), 0, 0)
	assert.ErrorIs(t, err, queue.ErrInvalidState)
}

func TestMemoryBackend_ConcurrentClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mb := queue.NewMemoryBackend()
	for i := range 50 {
		require.NoError(t, mb.Add(ctx, newJob("q", fmt.Sprintf("j%d", i), 0, queue.StateWaiting, time.Now())))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := mb.Claim(ctx, "q", time.Minute)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 50)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}
