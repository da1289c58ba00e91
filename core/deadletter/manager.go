package deadletter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/conveyor/core/logger"
	"github.com/dmitrymomot/conveyor/core/queue"
)

// Queues is the subset of the queue adapter the manager needs.
type Queues interface {
	GetJob(ctx context.Context, queue, id string) (*queue.Job, error)
	RemoveJob(ctx context.Context, queue, id string) error
	JobsByState(ctx context.Context, queue string, state queue.State, offset, limit int) ([]*queue.Job, error)
	Add(ctx context.Context, queue, name string, data any, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// Manager moves exhausted jobs out of the live queues and lets operators
// inspect, retry and clean them up.
type Manager struct {
	queues Queues
	store  Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTTL sets how long never-retried records are kept.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a dead letter manager.
func NewManager(queues Queues, store Store, opts ...Option) (*Manager, error) {
	if queues == nil {
		return nil, ErrQueuesNil
	}
	if store == nil {
		return nil, ErrStoreNil
	}

	m := &Manager{
		queues: queues,
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MoveToDeadLetter snapshots the job into a record and then removes it from
// the live queue. The record is written first and keyed by job, so a crash
// between the two steps never loses the failure and a repeat call is harmless.
// An empty reason falls back to the job's last failure.
func (m *Manager) MoveToDeadLetter(ctx context.Context, queueName, jobID, reason string) (*Record, error) {
	job, err := m.queues.GetJob(ctx, queueName, jobID)
	if err != nil {
		return nil, errors.Join(ErrMoveFailed, fmt.Errorf("load job %s from %q: %w", jobID, queueName, err))
	}

	if reason == "" {
		reason = job.FailedReason
	}

	now := m.now()
	expires := now.Add(m.ttl)
	rec, err := m.store.Upsert(ctx, &Record{
		ID:            uuid.NewString(),
		OriginalQueue: queueName,
		OriginalJobID: job.ID,
		JobName:       job.Name,
		Data:          job.Data,
		FailedReason:  reason,
		AttemptsMade:  job.AttemptsMade,
		EnqueuedAt:    job.CreatedAt,
		MovedAt:       now,
		ExpiresAt:     &expires,
	})
	if err != nil {
		return nil, errors.Join(ErrMoveFailed, fmt.Errorf("store record for job %s: %w", jobID, err))
	}

	if err := m.queues.RemoveJob(ctx, queueName, jobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		// the record exists; the job stays in failed state until a sweep removes it
		return rec, errors.Join(ErrMoveFailed, fmt.Errorf("remove job %s from %q: %w", jobID, queueName, err))
	}

	m.logger.WarnContext(ctx, "job moved to dead letter",
		logger.Queue(queueName),
		logger.JobID(jobID),
		logger.JobName(job.Name),
		slog.String("record_id", rec.ID),
		slog.String("reason", reason),
		slog.Int("attempts_made", job.AttemptsMade))

	return rec, nil
}

// List returns records newest first.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Record, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	return m.store.List(ctx, filter)
}

// Get returns a record by id.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// Retry re-enqueues the record's job with a single attempt into targetQueue,
// or the original queue when empty. A record is retried at most once; if the
// new job fails again it produces a new record.
func (m *Manager) Retry(ctx context.Context, recordID, targetQueue string) (*queue.Job, error) {
	rec, err := m.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Retried {
		return nil, ErrAlreadyRetried
	}
	if targetQueue == "" {
		targetQueue = rec.OriginalQueue
	}

	now := m.now()
	if _, err := m.store.MarkRetried(ctx, recordID, targetQueue, now); err != nil {
		return nil, err
	}

	// a crash from here until SetRetryJob leaves the record marked without a
	// job; this line is what ties a stranded mark to the record
	m.logger.WarnContext(ctx, "re-enqueueing dead letter record",
		slog.String("record_id", recordID),
		logger.Queue(targetQueue),
		slog.String("original_job_id", rec.OriginalJobID))

	job, err := m.queues.Add(ctx, targetQueue, rec.JobName, rec.Data, queue.WithAttempts(1))
	if err != nil {
		if uerr := m.store.UnmarkRetried(ctx, recordID, now.Add(m.ttl)); uerr != nil {
			m.logger.ErrorContext(ctx, "failed to revert dead letter retry mark",
				slog.String("record_id", recordID),
				logger.Error(uerr))
		}
		return nil, errors.Join(ErrRetryFailed, err)
	}

	if err := m.store.SetRetryJob(ctx, recordID, job.ID); err != nil {
		m.logger.ErrorContext(ctx, "failed to link retried job to dead letter record",
			slog.String("record_id", recordID),
			logger.JobID(job.ID),
			logger.Error(err))
	}

	m.logger.InfoContext(ctx, "dead letter record retried",
		slog.String("record_id", recordID),
		logger.Queue(targetQueue),
		logger.JobID(job.ID))

	return job, nil
}

// Cleanup deletes never-retried records moved more than olderThanDays ago.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, ErrInvalidRetention
	}

	cutoff := m.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := m.store.DeleteNeverRetriedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup dead letter records: %w", err)
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "dead letter records cleaned up",
			slog.Int64("count", n),
			slog.Int("older_than_days", olderThanDays))
	}
	return n, nil
}

// PurgeExpired deletes records past their expiry. Stores with native TTL
// support do this on their own; calling it there is harmless.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.now())
}

// Sweep moves jobs left in the live failed state into the dead letter store
// and returns the records written. This catches jobs whose worker died
// between the final failure and the move.
func (m *Manager) Sweep(ctx context.Context, queueName string) ([]*Record, error) {
	jobs, err := m.queues.JobsByState(ctx, queueName, queue.StateFailed, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs of %q: %w", queueName, err)
	}

	moved := make([]*Record, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		rec, err := m.MoveToDeadLetter(ctx, queueName, job.ID, job.FailedReason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		moved = append(moved, rec)
	}
	return moved, errors.Join(errs...)
}
