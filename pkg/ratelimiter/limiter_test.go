package ratelimiter_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/conveyor/pkg/ratelimiter"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_CheckAndConsume(t *testing.T) {
	t.Parallel()

	t.Run("fixed window", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		rl := ratelimiter.New(
			ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 5, Window: time.Second}),
			ratelimiter.WithClock(clock.Now),
		)

		first := rl.CheckAndConsume("u1", "q")
		require.True(t, first.Allowed)
		assert.Equal(t, 4, first.Remaining)
		assert.Equal(t, clock.Now().Add(time.Second), first.ResetAt)

		for i := 3; i >= 0; i-- {
			res := rl.CheckAndConsume("u1", "q")
			require.True(t, res.Allowed)
			assert.Equal(t, i, res.Remaining)
		}

		denied := rl.CheckAndConsume("u1", "q")
		assert.False(t, denied.Allowed)
		assert.Equal(t, 0, denied.Remaining)
		assert.Equal(t, first.ResetAt, denied.ResetAt)

		// exactly at reset time the window still holds
		clock.Advance(time.Second)
		assert.False(t, rl.CheckAndConsume("u1", "q").Allowed)

		clock.Advance(time.Millisecond)
		fresh := rl.CheckAndConsume("u1", "q")
		assert.True(t, fresh.Allowed)
		assert.Equal(t, 4, fresh.Remaining)
		assert.Equal(t, clock.Now().Add(time.Second), fresh.ResetAt)
	})

	t.Run("keys are independent", func(t *testing.T) {
		t.Parallel()

		rl := ratelimiter.New(ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 1, Window: time.Hour}))

		assert.True(t, rl.CheckAndConsume("u1", "a").Allowed)
		assert.False(t, rl.CheckAndConsume("u1", "a").Allowed)
		assert.True(t, rl.CheckAndConsume("u1", "b").Allowed)
		assert.True(t, rl.CheckAndConsume("u2", "a").Allowed)
	})

	t.Run("per queue limit", func(t *testing.T) {
		t.Parallel()

		rl := ratelimiter.New(
			ratelimiter.WithQueueLimit("video", ratelimiter.Limit{Max: 2, Window: time.Hour}),
		)

		assert.Equal(t, 2, rl.LimitFor("video").Max)
		assert.Equal(t, ratelimiter.DefaultLimit, rl.LimitFor("other"))

		assert.True(t, rl.CheckAndConsume("u", "video").Allowed)
		assert.True(t, rl.CheckAndConsume("u", "video").Allowed)
		assert.False(t, rl.CheckAndConsume("u", "video").Allowed)
	})
}

func TestLimiter_Allow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rl := ratelimiter.New(
		ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 1, Window: time.Minute}),
		ratelimiter.WithClock(clock.Now),
	)

	_, err := rl.Allow("u1", "email")
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	res, err := rl.Allow("u1", "email")
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.ErrorIs(t, err, ratelimiter.ErrRateLimitExceeded)

	var exceeded *ratelimiter.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "u1", exceeded.UserID)
	assert.Equal(t, "email", exceeded.Queue)
	assert.Equal(t, 40*time.Second, exceeded.RetryAfter)
	assert.Equal(t, res.ResetAt, exceeded.ResetAt)
	assert.Contains(t, exceeded.Error(), "retry after 40s")
}

func TestLimiter_AllowAll(t *testing.T) {
	t.Parallel()

	t.Run("all or nothing", func(t *testing.T) {
		t.Parallel()
		rl := ratelimiter.New(
			ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 2, Window: time.Hour}),
			ratelimiter.WithQueueLimit("video", ratelimiter.Limit{Max: 1, Window: time.Hour}),
		)

		err := rl.AllowAll(
			ratelimiter.Key{UserID: "u", Queue: "email"},
			ratelimiter.Key{UserID: "u", Queue: "video"},
			ratelimiter.Key{UserID: "u", Queue: "video"},
		)
		var exceeded *ratelimiter.ExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, "video", exceeded.Queue)

		assert.Equal(t, 2, rl.Status("u", "email").Remaining, "denied batch consumes nothing")
		assert.Equal(t, 1, rl.Status("u", "video").Remaining)
	})

	t.Run("repeated keys need one unit each", func(t *testing.T) {
		t.Parallel()
		rl := ratelimiter.New(ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 3, Window: time.Hour}))

		k := ratelimiter.Key{UserID: "u", Queue: "email"}
		require.NoError(t, rl.AllowAll(k, k))
		assert.Equal(t, 1, rl.Status("u", "email").Remaining)
		assert.ErrorIs(t, rl.AllowAll(k, k), ratelimiter.ErrRateLimitExceeded)
		require.NoError(t, rl.AllowAll(k))
		assert.Zero(t, rl.Status("u", "email").Remaining)
	})

	t.Run("bypassed keys are free", func(t *testing.T) {
		t.Parallel()
		rl := ratelimiter.New(ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 1, Window: time.Hour}))
		rl.SetUserExempt("admin", true)

		k := ratelimiter.Key{UserID: "admin", Queue: "email"}
		assert.NoError(t, rl.AllowAll(k, k, k))
	})
}

func TestLimiter_StatusDoesNotConsume(t *testing.T) {
	t.Parallel()

	rl := ratelimiter.New(ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 2, Window: time.Hour}))

	st := rl.Status("u", "q")
	assert.True(t, st.Allowed)
	assert.Equal(t, 2, st.Remaining)

	rl.CheckAndConsume("u", "q")
	rl.CheckAndConsume("u", "q")

	st = rl.Status("u", "q")
	assert.False(t, st.Allowed)
	assert.Equal(t, 0, st.Remaining)
	assert.Equal(t, 2, st.Limit)

	rl.Reset("u", "q")
	assert.Equal(t, 2, rl.Status("u", "q").Remaining)
}

func TestLimiter_Toggles(t *testing.T) {
	t.Parallel()

	rl := ratelimiter.New(ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 1, Window: time.Hour}))

	t.Run("disabled queue", func(t *testing.T) {
		rl.SetQueueEnabled("analytics", false)
		for range 5 {
			assert.True(t, rl.CheckAndConsume("u", "analytics").Allowed)
		}
		rl.SetQueueEnabled("analytics", true)
		assert.True(t, rl.CheckAndConsume("u", "analytics").Allowed)
		assert.False(t, rl.CheckAndConsume("u", "analytics").Allowed)
	})

	t.Run("exempt user", func(t *testing.T) {
		rl.SetUserExempt("admin", true)
		for range 5 {
			assert.True(t, rl.CheckAndConsume("admin", "video").Allowed)
		}
		rl.SetUserExempt("admin", false)
		assert.True(t, rl.CheckAndConsume("admin", "video").Allowed)
		assert.False(t, rl.CheckAndConsume("admin", "video").Allowed)
	})

	t.Run("set limit validation", func(t *testing.T) {
		assert.ErrorIs(t, rl.SetLimit("q", ratelimiter.Limit{}), ratelimiter.ErrInvalidConfig)
		require.NoError(t, rl.SetLimit("q", ratelimiter.Limit{Max: 3, Window: time.Minute}))
		assert.Equal(t, 3, rl.LimitFor("q").Max)
	})
}

func TestLimiter_Evict(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rl := ratelimiter.New(
		ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 5, Window: time.Minute}),
		ratelimiter.WithClock(clock.Now),
	)

	rl.CheckAndConsume("u1", "q")
	clock.Advance(30 * time.Second)
	rl.CheckAndConsume("u2", "q")

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, rl.Evict())

	stats := rl.Stats()
	assert.Equal(t, 1, stats.ActiveWindows)
	assert.Equal(t, int64(2), stats.WindowsCreated)
	assert.Equal(t, int64(1), stats.WindowsEvicted)
}

func TestLimiter_Lifecycle(t *testing.T) {
	t.Parallel()

	t.Run("run until cancelled", func(t *testing.T) {
		t.Parallel()

		rl := ratelimiter.New(ratelimiter.WithCleanupInterval(10 * time.Millisecond))
		assert.Error(t, rl.Healthcheck(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- rl.Run(ctx)() }()

		require.Eventually(t, func() bool { return rl.Stats().IsRunning }, time.Second, 5*time.Millisecond)
		assert.NoError(t, rl.Healthcheck(ctx))

		cancel()
		assert.NoError(t, <-done)
		assert.False(t, rl.Stats().IsRunning)
	})

	t.Run("cleanup disabled", func(t *testing.T) {
		t.Parallel()

		rl := ratelimiter.New(ratelimiter.WithCleanupInterval(0))
		assert.ErrorIs(t, rl.Start(context.Background()), ratelimiter.ErrCleanupDisabled)
		assert.NoError(t, rl.Healthcheck(context.Background()))
	})

	t.Run("stop without start", func(t *testing.T) {
		t.Parallel()

		rl := ratelimiter.New()
		assert.ErrorIs(t, rl.Stop(), ratelimiter.ErrNotStarted)
	})
}

func TestLimiter_ConcurrentSafety(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping race condition test in short mode")
	}

	t.Parallel()

	rl := ratelimiter.New(ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 500, Window: time.Hour}))

	const goroutines, perGoroutine = 50, 20
	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		denied  atomic.Int64
	)
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range perGoroutine {
				if rl.CheckAndConsume("user", "q").Allowed {
					allowed.Add(1)
				} else {
					denied.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), allowed.Load())
	assert.Equal(t, int64(goroutines*perGoroutine-500), denied.Load())
}
