package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/conveyor/core/deadletter"
	"github.com/dmitrymomot/conveyor/core/dependency"
)

// DeadLetterCleaner is the dead letter manager surface used by maintenance tasks.
type DeadLetterCleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
	Sweep(ctx context.Context, queueName string) ([]*deadletter.Record, error)
}

// DependencyResolver settles dependents of a finished job. *dependency.Manager satisfies it.
type DependencyResolver interface {
	Resolve(ctx context.Context, parentQueue, parentJobID string, succeeded bool) dependency.Summary
}

// DependencyMaintainer is the dependency manager surface used by maintenance tasks.
type DependencyMaintainer interface {
	Purge(ctx context.Context) (int64, error)
	Reconcile(ctx context.Context, grace time.Duration) (dependency.Summary, error)
}

// DeadLetterCleanup deletes never-retried records older than olderThanDays
// and then any record past its expiry.
func DeadLetterCleanup(m DeadLetterCleaner, olderThanDays int) Task {
	return func(ctx context.Context) error {
		if _, err := m.Cleanup(ctx, olderThanDays); err != nil {
			return err
		}
		if _, err := m.PurgeExpired(ctx); err != nil {
			return fmt.Errorf("purge expired dead letter records: %w", err)
		}
		return nil
	}
}

// DeadLetterSweep moves jobs stranded in the failed state of every queue
// returned by queues into the dead letter store. A stranded job never had its
// dependents resolved either, so each swept job is resolved as failed when
// deps is not nil.
func DeadLetterSweep(m DeadLetterCleaner, deps DependencyResolver, queues func() []string) Task {
	return func(ctx context.Context) error {
		var errs []error
		for _, q := range queues() {
			if err := ctx.Err(); err != nil {
				return err
			}
			moved, err := m.Sweep(ctx, q)
			if err != nil {
				errs = append(errs, fmt.Errorf("sweep %q: %w", q, err))
			}
			if deps == nil {
				continue
			}
			for _, rec := range moved {
				deps.Resolve(ctx, rec.OriginalQueue, rec.OriginalJobID, false)
			}
		}
		return errors.Join(errs...)
	}
}

// DependencyPurge deletes settled dependency records past their retention.
func DependencyPurge(m DependencyMaintainer) Task {
	return func(ctx context.Context) error {
		_, err := m.Purge(ctx)
		return err
	}
}

// DependencyReconcile settles pending dependencies older than grace whose
// parent finished without resolving them.
func DependencyReconcile(m DependencyMaintainer, grace time.Duration) Task {
	return func(ctx context.Context) error {
		sum, err := m.Reconcile(ctx, grace)
		if err != nil {
			return err
		}
		if sum.Errors > 0 {
			return fmt.Errorf("reconcile dependencies: %d failed", sum.Errors)
		}
		return nil
	}
}
