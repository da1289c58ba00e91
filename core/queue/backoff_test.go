package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/conveyor/core/queue"
)

func TestBackoff_Duration(t *testing.T) {
	t.Parallel()

	t.Run("exponential doubles per attempt", func(t *testing.T) {
		t.Parallel()

		b := queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second}
		assert.Equal(t, 2*time.Second, b.Duration(1))
		assert.Equal(t, 4*time.Second, b.Duration(2))
		assert.Equal(t, 8*time.Second, b.Duration(3))
	})

	t.Run("fixed stays constant", func(t *testing.T) {
		t.Parallel()

		b := queue.Backoff{Type: queue.BackoffFixed, Delay: 30 * time.Second}
		assert.Equal(t, 30*time.Second, b.Duration(1))
		assert.Equal(t, 30*time.Second, b.Duration(5))
	})

	t.Run("zero delay uses default", func(t *testing.T) {
		t.Parallel()

		b := queue.Backoff{Type: queue.BackoffExponential}
		assert.Equal(t, queue.DefaultBackoffDelay, b.Duration(1))
		assert.Equal(t, queue.DefaultBackoffDelay, b.Duration(0))
	})

	t.Run("capped", func(t *testing.T) {
		t.Parallel()

		b := queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}
		assert.Equal(t, queue.MaxBackoffDelay, b.Duration(50))
	})
}
