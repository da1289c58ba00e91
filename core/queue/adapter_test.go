package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/conveyor/core/queue"
)

type unreachableBackend struct {
	*queue.MemoryBackend
}

func (unreachableBackend) Ping(context.Context) error {
	return errors.New("connection refused")
}

type emailPayload struct {
	To     string `json:"to"`
	UserID string `json:"user_id"`
}

func newAdapter(t *testing.T, opts ...queue.AdapterOption) *queue.Adapter {
	t.Helper()
	a, err := queue.New(context.Background(), queue.NewMemoryBackend(), opts...)
	require.NoError(t, err)
	return a
}

func TestAdapter_New(t *testing.T) {
	t.Parallel()

	t.Run("nil backend", func(t *testing.T) {
		t.Parallel()

		a, err := queue.New(context.Background(), nil)
		assert.ErrorIs(t, err, queue.ErrBackendNil)
		assert.Nil(t, a)
	})

	t.Run("from config", func(t *testing.T) {
		t.Parallel()

		cfg := queue.DefaultConfig()
		cfg.LockTimeout = time.Minute
		a, err := queue.NewFromConfig(context.Background(), cfg, queue.NewMemoryBackend())
		require.NoError(t, err)
		assert.True(t, a.Enabled())
		assert.Equal(t, time.Minute, a.LockTimeout())
	})
}

func TestAdapter_DisabledMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := queue.New(ctx, unreachableBackend{queue.NewMemoryBackend()})
	require.NoError(t, err)
	assert.False(t, a.Enabled())

	_, err = a.Add(ctx, "q", "job", nil)
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)

	_, err = a.GetJob(ctx, "q", "id")
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)

	_, err = a.QueueStats(ctx, "q")
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)

	assert.ErrorIs(t, a.CancelJob(ctx, "q", "id"), queue.ErrBackendUnavailable)
	assert.ErrorIs(t, a.Start(ctx), queue.ErrBackendUnavailable)
	assert.ErrorIs(t, a.Healthcheck(ctx), queue.ErrBackendUnavailable)
	assert.True(t, a.Stats().Disabled)
}

func TestAdapter_QueueMemoized(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	h1 := a.Queue("email-notifications")
	h2 := a.Queue("email-notifications")
	assert.Same(t, h1, h2)
	assert.NotSame(t, h1, a.Queue("analytics"))
	assert.Equal(t, []string{"analytics", "email-notifications"}, a.QueueNames())
}

func TestAdapter_Add(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		a := newAdapter(t)
		job, err := a.Add(ctx, "email", "welcome", emailPayload{To: "a@example.com", UserID: "u1"})
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, queue.StateWaiting, job.State)
		assert.Equal(t, queue.DefaultAttempts, job.Options.Attempts)
		assert.Equal(t, queue.BackoffExponential, job.Options.Backoff.Type)
		assert.Equal(t, 2*time.Second, job.Options.Backoff.Delay)

		var p emailPayload
		require.NoError(t, job.Decode(&p))
		assert.Equal(t, "u1", p.UserID)

		stored, err := a.GetJob(ctx, "email", job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, stored.ID)
	})

	t.Run("delayed", func(t *testing.T) {
		t.Parallel()

		a := newAdapter(t)
		job, err := a.Add(ctx, "posts", "publish", nil, queue.WithDelay(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, queue.StateDelayed, job.State)
		assert.True(t, job.RunAt.After(time.Now().Add(59*time.Minute)))

		counts, err := a.QueueStats(ctx, "posts")
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Delayed)
	})

	t.Run("pre-assigned id", func(t *testing.T) {
		t.Parallel()

		a := newAdapter(t)
		job, err := a.Add(ctx, "q", "j", nil, queue.WithJobID("fixed"))
		require.NoError(t, err)
		assert.Equal(t, "fixed", job.ID)

		_, err = a.Add(ctx, "q", "j", nil, queue.WithJobID("fixed"))
		assert.ErrorIs(t, err, queue.ErrDuplicateJob)
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		a := newAdapter(t)
		_, err := a.Add(ctx, "", "j", nil)
		assert.ErrorIs(t, err, queue.ErrQueueNameEmpty)

		_, err = a.Add(ctx, "q", "", nil)
		assert.ErrorIs(t, err, queue.ErrJobNameEmpty)

		_, err = a.Add(ctx, "q", "j", nil, queue.WithPriority(-1))
		assert.ErrorIs(t, err, queue.ErrInvalidPriority)

		_, err = a.Add(ctx, "q", "j", nil, queue.WithAttempts(0))
		assert.ErrorIs(t, err, queue.ErrInvalidAttempts)

		_, err = a.Add(ctx, "q", "j", make(chan int))
		assert.ErrorIs(t, err, queue.ErrMarshalPayload)
	})
}

func TestHandle_FailLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newAdapter(t)
	h := a.Queue("q")

	_, err := h.Add(ctx, "flaky", nil, queue.WithAttempts(2), queue.WithBackoff(queue.BackoffFixed, time.Millisecond))
	require.NoError(t, err)

	job, err := h.Claim(ctx)
	require.NoError(t, err)

	job, err = h.Fail(ctx, job, "first")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)

	require.Eventually(t, func() bool {
		job, err = h.Claim(ctx)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	job, err = h.Fail(ctx, job, "second")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 2, job.AttemptsMade)
	assert.True(t, job.Exhausted())
}

func TestHandle_CompleteAndProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newAdapter(t)
	h := a.Queue("q")

	added, err := h.Add(ctx, "work", nil)
	require.NoError(t, err)

	job, err := h.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, added.ID, job.ID)

	require.NoError(t, h.UpdateProgress(ctx, job.ID, 150))
	stored, err := h.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)

	assert.ErrorIs(t, h.Cancel(ctx, job.ID), queue.ErrJobActive)

	done, err := h.Complete(ctx, job.ID, map[string]string{"url": "https://cdn/x.mp4"})
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, done.State)
	assert.JSONEq(t, `{"url":"https://cdn/x.mp4"}`, string(done.Result))

	require.NoError(t, h.Cancel(ctx, job.ID))
	_, err = h.Get(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestAdapter_Maintenance(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newAdapter(t,
		queue.WithLockTimeout(10*time.Millisecond),
		queue.WithMaintenanceInterval(10*time.Millisecond),
	)
	h := a.Queue("q")

	_, err := h.Add(ctx, "stuck", nil)
	require.NoError(t, err)
	_, err = h.Claim(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx)() }()

	require.Eventually(t, func() bool {
		counts, err := h.Stats(ctx)
		return err == nil && counts.Waiting == 1
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, a.Stats().StalledRecovered, int64(1))
	require.Eventually(t, func() bool { return a.Healthcheck(ctx) == nil }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, a.Stats().IsRunning)
}

func TestAdapter_StopNotStarted(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	assert.ErrorIs(t, a.Stop(), queue.ErrAdapterNotStarted)
	assert.ErrorIs(t, a.Healthcheck(context.Background()), queue.ErrAdapterNotStarted)
}
