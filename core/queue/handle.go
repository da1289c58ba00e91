package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Handle is the logical handle of a single named queue.
// Obtain it through Adapter.Queue; handles are memoized per name.
type Handle struct {
	adapter *Adapter
	name    string
}

// Name returns the queue name.
func (h *Handle) Name() string {
	return h.name
}

// Add submits a job. data is marshaled to JSON.
func (h *Handle) Add(ctx context.Context, name string, data any, opts ...EnqueueOption) (*Job, error) {
	if err := h.adapter.check(); err != nil {
		return nil, err
	}

	job, err := h.adapter.buildJob(h.name, name, data, opts)
	if err != nil {
		return nil, err
	}

	if err := h.adapter.backend.Add(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to add job %q to queue %q: %w", name, h.name, err)
	}

	h.adapter.logger.DebugContext(ctx, "job added",
		slog.String("queue", h.name),
		slog.String("job_id", job.ID),
		slog.String("job_name", name),
		slog.String("state", job.State.String()))

	return job, nil
}

// Get returns a job by id.
func (h *Handle) Get(ctx context.Context, id string) (*Job, error) {
	if err := h.adapter.check(); err != nil {
		return nil, err
	}
	return h.adapter.backend.Get(ctx, h.name, id)
}

// JobsByState lists jobs in the given state. limit <= 0 returns every match.
func (h *Handle) JobsByState(ctx context.Context, state State, offset, limit int) ([]*Job, error) {
	if err := h.adapter.check(); err != nil {
		return nil, err
	}
	if !state.Valid() {
		return nil, ErrInvalidState
	}
	return h.adapter.backend.List(ctx, h.name, state, offset, limit)
}

// Remove deletes a job regardless of its state.
func (h *Handle) Remove(ctx context.Context, id string) error {
	if err := h.adapter.check(); err != nil {
		return err
	}
	return h.adapter.backend.Remove(ctx, h.name, id)
}

// Retry moves a job back to waiting. The attempt count is preserved.
func (h *Handle) Retry(ctx context.Context, id string) (*Job, error) {
	if err := h.adapter.check(); err != nil {
		return nil, err
	}
	return h.adapter.backend.Retry(ctx, h.name, id)
}

// Cancel removes a waiting, delayed or finished job.
// Returns ErrJobActive when the job is currently being processed.
func (h *Handle) Cancel(ctx context.Context, id string) error {
	if err := h.adapter.check(); err != nil {
		return err
	}
	return h.adapter.backend.Cancel(ctx, h.name, id)
}

// Stats returns per-state job counts.
func (h *Handle) Stats(ctx context.Context) (Counts, error) {
	if err := h.adapter.check(); err != nil {
		return Counts{}, err
	}
	return h.adapter.backend.Counts(ctx, h.name)
}

// Claim locks the next eligible job for processing.
// Returns ErrNoJobAvailable when the queue has nothing ready.
func (h *Handle) Claim(ctx context.Context) (*Job, error) {
	if err := h.adapter.check(); err != nil {
		return nil, err
	}
	return h.adapter.backend.Claim(ctx, h.name, h.adapter.lockTimeout)
}

// Complete marks an active job as completed. result is marshaled to JSON.
func (h *Handle) Complete(ctx context.Context, id string, result any) (*Job, error) {
	if err := h.adapter.check(); err != nil {
		return nil, err
	}

	var raw []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Join(ErrMarshalPayload, fmt.Errorf("result of type %T: %w", result, err))
		}
		raw = b
	}

	return h.adapter.backend.Complete(ctx, h.name, id, raw)
}

// Fail records a failed attempt of an active job.
// While attempts remain the job is delayed by its backoff policy; once the
// budget is spent the job is marked failed. Callers check Job.State.
func (h *Handle) Fail(ctx context.Context, job *Job, reason string) (*Job, error) {
	if err := h.adapter.check(); err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNil
	}

	var retryAt *time.Time
	attempt := job.AttemptsMade + 1
	if attempt < job.Options.Attempts {
		at := time.Now().Add(job.Options.Backoff.Duration(attempt))
		retryAt = &at
	}

	return h.adapter.backend.Fail(ctx, h.name, job.ID, reason, retryAt)
}

// UpdateProgress stores advisory progress (clamped to 0..100).
func (h *Handle) UpdateProgress(ctx context.Context, id string, progress int) error {
	if err := h.adapter.check(); err != nil {
		return err
	}
	return h.adapter.backend.UpdateProgress(ctx, h.name, id, min(max(progress, 0), 100))
}

// ExtendLock renews the claim lock of an active job for another lock timeout.
func (h *Handle) ExtendLock(ctx context.Context, id string) error {
	if err := h.adapter.check(); err != nil {
		return err
	}
	return h.adapter.backend.ExtendLock(ctx, h.name, id, h.adapter.lockTimeout)
}
