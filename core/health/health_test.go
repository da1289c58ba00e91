package health_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/conveyor/core/health"
)

func TestChecks_Ready(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("all pass", func(t *testing.T) {
		t.Parallel()
		checks := health.Checks{
			"live":  health.Liveness,
			"redis": func(context.Context) error { return nil },
		}
		assert.NoError(t, checks.Ready(ctx))
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, health.Checks{}.Ready(ctx))
	})

	t.Run("failures are named", func(t *testing.T) {
		t.Parallel()
		down := errors.New("connection refused")
		checks := health.Checks{
			"redis": func(context.Context) error { return down },
			"mongo": func(context.Context) error { panic("driver bug") },
			"queue": func(context.Context) error { return nil },
		}

		report := checks.Evaluate(ctx)
		require.Len(t, report, 3)
		assert.NoError(t, report["queue"])
		assert.ErrorIs(t, report["redis"], down)
		assert.ErrorContains(t, report["mongo"], "panicked")

		err := report.Err()
		assert.ErrorIs(t, err, health.ErrNotReady)
		assert.ErrorIs(t, err, down)
		assert.Contains(t, err.Error(), "redis: connection refused")
	})

	t.Run("checks see a deadline", func(t *testing.T) {
		t.Parallel()
		checks := health.Checks{"slow": func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			if !ok {
				return errors.New("no deadline")
			}
			return nil
		}}
		assert.NoError(t, checks.Ready(ctx))
	})
}
