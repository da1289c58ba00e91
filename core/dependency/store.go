package dependency

import (
	"context"
	"time"
)

// Store persists dependency records.
type Store interface {
	// Insert stores a new pending dependency.
	Insert(ctx context.Context, dep *Dependency) error

	// Get returns a dependency or ErrDependencyNotFound.
	Get(ctx context.Context, id string) (*Dependency, error)

	// ListPending returns pending dependencies of a parent, oldest first.
	ListPending(ctx context.Context, parentQueue, parentJobID string) ([]*Dependency, error)

	// ListPendingBefore returns up to limit pending dependencies created
	// before the cutoff, oldest first.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Dependency, error)

	// IsPendingDependent reports whether the job is itself a dependent still
	// waiting for its parent, as every chain step after the head is.
	IsPendingDependent(ctx context.Context, queue, jobID string) (bool, error)

	// Transition moves a pending dependency to a final status.
	// Returns false when the dependency was no longer pending.
	Transition(ctx context.Context, id string, t Transition) (bool, error)

	// DeleteExpired removes resolved dependencies past their expiry.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
