package redisqueue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/conveyor/core/queue"
	"github.com/dmitrymomot/conveyor/integration/queue/redisqueue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBackend(t *testing.T) (*redisqueue.Backend, *clock) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	return redisqueue.New(rdb, redisqueue.WithClock(c.Now)), c
}

func testJob(id string, priority int, state queue.State, runAt time.Time) *queue.Job {
	return &queue.Job{
		ID:        id,
		Queue:     "q",
		Name:      "render",
		Data:      []byte(`{"video_id":"v1","user_id":"u1"}`),
		Options:   queue.Options{JobID: id, Priority: priority, Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}},
		State:     state,
		RunAt:     runAt,
		CreatedAt: runAt,
	}
}

func TestBackend_AddGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, c := newBackend(t)
	require.NoError(t, b.Ping(ctx))

	require.NoError(t, b.Add(ctx, testJob("j1", 5, queue.StateWaiting, c.Now())))

	job, err := b.Get(ctx, "q", "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "render", job.Name)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 5, job.Options.Priority)
	assert.Equal(t, time.Second, job.Options.Backoff.Delay)
	assert.JSONEq(t, `{"video_id":"v1","user_id":"u1"}`, string(job.Data))
	assert.Equal(t, c.Now().UnixMilli(), job.CreatedAt.UnixMilli())

	err = b.Add(ctx, testJob("j1", 5, queue.StateWaiting, c.Now()))
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)

	_, err = b.Get(ctx, "q", "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestBackend_ClaimPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, c := newBackend(t)

	require.NoError(t, b.Add(ctx, testJob("low-1", 1, queue.StateWaiting, c.Now())))
	require.NoError(t, b.Add(ctx, testJob("top", 1000, queue.StateWaiting, c.Now())))
	require.NoError(t, b.Add(ctx, testJob("high-1", 10, queue.StateWaiting, c.Now())))
	require.NoError(t, b.Add(ctx, testJob("low-2", 1, queue.StateWaiting, c.Now())))
	require.NoError(t, b.Add(ctx, testJob("high-2", 10, queue.StateWaiting, c.Now())))
	require.NoError(t, b.Add(ctx, testJob("zero", 0, queue.StateWaiting, c.Now())))

	var order []string
	for range 6 {
		job, err := b.Claim(ctx, "q", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, queue.StateActive, job.State)
		require.NotNil(t, job.LockedUntil)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"top", "high-1", "high-2", "low-1", "low-2", "zero"}, order)

	_, err := b.Claim(ctx, "q", time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoJobAvailable)
}

func TestBackend_DelayedPromotion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, c := newBackend(t)

	require.NoError(t, b.Add(ctx, testJob("later", 0, queue.StateDelayed, c.Now().Add(time.Minute))))

	_, err := b.Claim(ctx, "q", time.Minute)
	require.ErrorIs(t, err, queue.ErrNoJobAvailable)

	counts, err := b.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	c.Advance(time.Minute)

	counts, err = b.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Zero(t, counts.Delayed)

	job, err := b.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "later", job.ID)
}

func TestBackend_FailRetryComplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, c := newBackend(t)
	require.NoError(t, b.Add(ctx, testJob("j", 0, queue.StateWaiting, c.Now())))

	_, err := b.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)

	retryAt := c.Now().Add(time.Second)
	job, err := b.Fail(ctx, "q", "j", "timeout", &retryAt)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "timeout", job.FailedReason)
	assert.Nil(t, job.LockedUntil)

	_, err = b.Complete(ctx, "q", "j", nil)
	assert.ErrorIs(t, err, queue.ErrJobNotActive)

	c.Advance(time.Second)
	_, err = b.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)

	job, err = b.Fail(ctx, "q", "j", "timeout again", nil)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 2, job.AttemptsMade)
	require.NotNil(t, job.FinishedAt)

	failed, err := b.List(ctx, "q", queue.StateFailed, 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	job, err = b.Retry(ctx, "q", "j")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 2, job.AttemptsMade)

	_, err = b.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.UpdateProgress(ctx, "q", "j", 40))

	job, err = b.Complete(ctx, "q", "j", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.Empty(t, job.FailedReason)
}

func TestBackend_CancelAndRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, c := newBackend(t)
	require.NoError(t, b.Add(ctx, testJob("a", 1, queue.StateWaiting, c.Now())))
	require.NoError(t, b.Add(ctx, testJob("w", 0, queue.StateWaiting, c.Now())))

	_, err := b.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Cancel(ctx, "q", "a"), queue.ErrJobActive)
	_, err = b.Retry(ctx, "q", "a")
	assert.ErrorIs(t, err, queue.ErrJobActive)

	require.NoError(t, b.Cancel(ctx, "q", "w"))
	assert.ErrorIs(t, b.Cancel(ctx, "q", "w"), queue.ErrJobNotFound)

	require.NoError(t, b.Remove(ctx, "q", "a"))
	counts, err := b.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestBackend_RecoverStalledAndExtendLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, c := newBackend(t)
	require.NoError(t, b.Add(ctx, testJob("j", 0, queue.StateWaiting, c.Now())))

	_, err := b.Claim(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.ExtendLock(ctx, "q", "j", time.Minute))

	c.Advance(30 * time.Second)
	n, err := b.RecoverStalled(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(time.Minute)
	n, err = b.RecoverStalled(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := b.Get(ctx, "q", "j")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Nil(t, job.LockedUntil)

	assert.ErrorIs(t, b.ExtendLock(ctx, "q", "j", time.Minute), queue.ErrJobNotActive)
}

func TestBackend_Trim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, c := newBackend(t)

	for i := range 4 {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, b.Add(ctx, testJob(id, 0, queue.StateWaiting, c.Now())))
		_, err := b.Claim(ctx, "q", time.Minute)
		require.NoError(t, err)
		_, err = b.Complete(ctx, "q", id, nil)
		require.NoError(t, err)
		c.Advance(time.Second)
	}

	removed, err := b.Trim(ctx, "q", queue.Retention{CompletedAge: time.Hour, CompletedCount: 2, FailedAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	jobs, err := b.List(ctx, "q", queue.StateCompleted, 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c3", jobs[0].ID)
	assert.Equal(t, "c2", jobs[1].ID)

	_, err = b.Get(ctx, "q", "c0")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestBackend_WithAdapter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newBackend(t)

	a, err := queue.New(ctx, b)
	require.NoError(t, err)
	require.True(t, a.Enabled())

	job, err := a.Add(ctx, "emails", "welcome", map[string]string{"user_id": "u1"}, queue.WithPriority(10))
	require.NoError(t, err)

	got, err := a.GetJob(ctx, "emails", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Options.Priority)
	assert.Equal(t, queue.DefaultAttempts, got.Options.Attempts)
}

func TestBackend_UnreachableDisablesAdapter(t *testing.T) {
	t.Parallel()

	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s.Close()

	a, err := queue.New(context.Background(), redisqueue.New(rdb))
	require.NoError(t, err)
	assert.False(t, a.Enabled())

	_, err = a.Add(context.Background(), "q", "job", nil)
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)
}
