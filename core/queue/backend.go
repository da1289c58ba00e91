package queue

import (
	"context"
	"time"
)

// Backend is the durable store behind the adapter.
// Implementations must guarantee that a job is claimed by at most one caller
// at a time and must return copies, never internal state.
type Backend interface {
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Add stores a new job. Returns ErrDuplicateJob when the id is taken.
	Add(ctx context.Context, job *Job) error

	// Get returns a job or ErrJobNotFound.
	Get(ctx context.Context, queue, id string) (*Job, error)

	// Claim promotes due delayed jobs, then atomically moves the
	// highest-priority, oldest waiting job to active with a lock expiring
	// after lockFor. Returns ErrNoJobAvailable when nothing is ready.
	Claim(ctx context.Context, queue string, lockFor time.Duration) (*Job, error)

	// Complete marks an active job completed and stores its result.
	Complete(ctx context.Context, queue, id string, result []byte) (*Job, error)

	// Fail records a failed attempt. A nil retryAt marks the job as finally
	// failed; otherwise the job becomes delayed until retryAt.
	Fail(ctx context.Context, queue, id, reason string, retryAt *time.Time) (*Job, error)

	// Retry moves a non-active job back to waiting without resetting attempts.
	Retry(ctx context.Context, queue, id string) (*Job, error)

	// Cancel removes a job unless it is active (ErrJobActive).
	Cancel(ctx context.Context, queue, id string) error

	// Remove deletes a job regardless of state.
	Remove(ctx context.Context, queue, id string) error

	// List returns jobs in the given state.
	List(ctx context.Context, queue string, state State, offset, limit int) ([]*Job, error)

	// Counts returns the number of jobs per state.
	Counts(ctx context.Context, queue string) (Counts, error)

	// UpdateProgress stores advisory progress of an active job.
	UpdateProgress(ctx context.Context, queue, id string, progress int) error

	// ExtendLock pushes the lock expiry of an active job.
	ExtendLock(ctx context.Context, queue, id string, lockFor time.Duration) error

	// RecoverStalled returns active jobs with expired locks to waiting.
	RecoverStalled(ctx context.Context, queue string) (int, error)

	// Trim deletes finished jobs outside the retention policy.
	Trim(ctx context.Context, queue string, retention Retention) (int, error)
}
