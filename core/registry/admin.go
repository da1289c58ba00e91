package registry

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/conveyor/core/deadletter"
	"github.com/dmitrymomot/conveyor/core/metrics"
	"github.com/dmitrymomot/conveyor/core/queue"
	"github.com/dmitrymomot/conveyor/pkg/ratelimiter"
)

// JobStatus returns a job by queue and id.
func (r *Registry) JobStatus(ctx context.Context, queueName, id string) (*queue.Job, error) {
	return r.adapter.GetJob(ctx, queueName, id)
}

// CancelJob removes a job that is not running.
func (r *Registry) CancelJob(ctx context.Context, queueName, id string) error {
	return r.adapter.CancelJob(ctx, queueName, id)
}

// RetryJob moves a job back to waiting.
func (r *Registry) RetryJob(ctx context.Context, queueName, id string) (*queue.Job, error) {
	return r.adapter.RetryJob(ctx, queueName, id)
}

// QueueStats returns per-state counts of a queue.
func (r *Registry) QueueStats(ctx context.Context, queueName string) (queue.Counts, error) {
	return r.adapter.QueueStats(ctx, queueName)
}

// AllQueueStats returns counts for every well-known queue.
func (r *Registry) AllQueueStats(ctx context.Context) (map[Kind]queue.Counts, error) {
	out := make(map[Kind]queue.Counts, len(Kinds()))
	for _, kind := range Kinds() {
		c, err := r.adapter.QueueStats(ctx, kind.Queue())
		if err != nil {
			return nil, fmt.Errorf("stats of %s: %w", kind, err)
		}
		out[kind] = c
	}
	return out, nil
}

// MetricsForQueue aggregates execution metrics of a queue.
func (r *Registry) MetricsForQueue(ctx context.Context, queueName string, tr metrics.TimeRange) (metrics.Stats, error) {
	if r.metrics == nil {
		return metrics.Stats{}, fmt.Errorf("%w: metrics", ErrFeatureMissing)
	}
	return r.metrics.QueueStats(ctx, queueName, tr)
}

// MetricsForUser aggregates execution metrics of a user's jobs.
func (r *Registry) MetricsForUser(ctx context.Context, userID string, tr metrics.TimeRange) (metrics.Stats, error) {
	if r.metrics == nil {
		return metrics.Stats{}, fmt.Errorf("%w: metrics", ErrFeatureMissing)
	}
	return r.metrics.UserStats(ctx, userID, tr)
}

// ListDeadLetter lists dead letter records, newest first.
func (r *Registry) ListDeadLetter(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Record, error) {
	if r.deadLetter == nil {
		return nil, fmt.Errorf("%w: dead letter", ErrFeatureMissing)
	}
	return r.deadLetter.List(ctx, filter)
}

// RetryDeadLetter re-enqueues a dead letter record into targetQueue, or its original queue.
func (r *Registry) RetryDeadLetter(ctx context.Context, recordID, targetQueue string) (*queue.Job, error) {
	if r.deadLetter == nil {
		return nil, fmt.Errorf("%w: dead letter", ErrFeatureMissing)
	}
	return r.deadLetter.Retry(ctx, recordID, targetQueue)
}

// CleanupDeadLetter deletes never-retried records older than the given days.
func (r *Registry) CleanupDeadLetter(ctx context.Context, olderThanDays int) (int64, error) {
	if r.deadLetter == nil {
		return 0, fmt.Errorf("%w: dead letter", ErrFeatureMissing)
	}
	return r.deadLetter.Cleanup(ctx, olderThanDays)
}

// RateLimitStatus reports a user's window on a queue without consuming it.
func (r *Registry) RateLimitStatus(userID, queueName string) (ratelimiter.Result, error) {
	if r.limiter == nil {
		return ratelimiter.Result{}, fmt.Errorf("%w: rate limiter", ErrFeatureMissing)
	}
	return r.limiter.Status(userID, queueName), nil
}

// SetQueueRateLimitEnabled turns per-user limiting of a queue on or off.
func (r *Registry) SetQueueRateLimitEnabled(queueName string, enabled bool) error {
	if r.limiter == nil {
		return fmt.Errorf("%w: rate limiter", ErrFeatureMissing)
	}
	r.limiter.SetQueueEnabled(queueName, enabled)
	return nil
}

// SetUserRateLimitExempt exempts a user from all limits, or revokes it.
func (r *Registry) SetUserRateLimitExempt(userID string, exempt bool) error {
	if r.limiter == nil {
		return fmt.Errorf("%w: rate limiter", ErrFeatureMissing)
	}
	r.limiter.SetUserExempt(userID, exempt)
	return nil
}
