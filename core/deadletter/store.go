package deadletter

import (
	"context"
	"time"
)

// Store persists dead letter records.
type Store interface {
	// Upsert stores the record keyed by (OriginalQueue, OriginalJobID).
	// When a never-retried record for the same job exists it is refreshed in
	// place and keeps its ID. Retried records are history: a later failure of
	// the same job id creates a new record.
	Upsert(ctx context.Context, rec *Record) (*Record, error)

	// Get returns a record or ErrRecordNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// MarkRetried flips Retried from false to true and clears ExpiresAt.
	// Returns ErrAlreadyRetried when the record was retried before.
	MarkRetried(ctx context.Context, id, retryQueue string, at time.Time) (*Record, error)

	// SetRetryJob records the id of the job created by a retry.
	SetRetryJob(ctx context.Context, id, jobID string) error

	// UnmarkRetried reverts MarkRetried after a failed re-enqueue.
	UnmarkRetried(ctx context.Context, id string, expiresAt time.Time) error

	// DeleteNeverRetriedBefore removes never-retried records moved before cutoff.
	DeleteNeverRetriedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteExpired removes records whose ExpiresAt is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
