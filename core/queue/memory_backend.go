package queue

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process memory.
// Suitable for tests, local development and single-process deployments.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	now    func() time.Time
}

type memoryQueue struct {
	entries map[string]*memoryEntry
	seq     uint64
}

type memoryEntry struct {
	job *Job
	// seq orders jobs of equal priority by the time they became waiting.
	seq uint64
}

// MemoryBackendOption configures a MemoryBackend.
type MemoryBackendOption func(*MemoryBackend)

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryBackendOption {
	return func(mb *MemoryBackend) {
		if now != nil {
			mb.now = now
		}
	}
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts ...MemoryBackendOption) *MemoryBackend {
	mb := &MemoryBackend{
		queues: make(map[string]*memoryQueue),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(mb)
	}
	return mb
}

// Ping always succeeds.
func (mb *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Add stores a copy of the job.
func (mb *MemoryBackend) Add(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrJobNil
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	q := mb.queue(job.Queue)
	if _, exists := q.entries[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	q.seq++
	q.entries[job.ID] = &memoryEntry{job: job.Clone(), seq: q.seq}
	return nil
}

// Get returns a copy of the job.
func (mb *MemoryBackend) Get(ctx context.Context, queue, id string) (*Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, err := mb.entry(queue, id)
	if err != nil {
		return nil, err
	}
	return e.job.Clone(), nil
}

// Claim selects the highest-priority waiting job, oldest first within a priority.
func (mb *MemoryBackend) Claim(ctx context.Context, queue string, lockFor time.Duration) (*Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := mb.now()
	q := mb.queue(queue)
	mb.promoteDue(q, now)

	var best *memoryEntry
	for _, e := range q.entries {
		if e.job.State != StateWaiting {
			continue
		}
		if best == nil ||
			e.job.Options.Priority > best.job.Options.Priority ||
			(e.job.Options.Priority == best.job.Options.Priority && e.seq < best.seq) {
			best = e
		}
	}

	if best == nil {
		return nil, ErrNoJobAvailable
	}

	lockUntil := now.Add(lockFor)
	best.job.State = StateActive
	best.job.LockedUntil = &lockUntil
	best.job.ProcessedAt = &now

	return best.job.Clone(), nil
}

// Complete marks an active job as completed.
func (mb *MemoryBackend) Complete(ctx context.Context, queue, id string, result []byte) (*Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, err := mb.activeEntry(queue, id)
	if err != nil {
		return nil, err
	}

	now := mb.now()
	e.job.State = StateCompleted
	e.job.Result = cloneBytes(result)
	e.job.Progress = 100
	e.job.FailedReason = ""
	e.job.LockedUntil = nil
	e.job.FinishedAt = &now

	return e.job.Clone(), nil
}

// Fail records a failed attempt and either schedules a retry or finalizes the job.
func (mb *MemoryBackend) Fail(ctx context.Context, queue, id, reason string, retryAt *time.Time) (*Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, err := mb.activeEntry(queue, id)
	if err != nil {
		return nil, err
	}

	e.job.AttemptsMade++
	e.job.FailedReason = reason
	e.job.LockedUntil = nil

	if retryAt == nil {
		now := mb.now()
		e.job.State = StateFailed
		e.job.FinishedAt = &now
	} else {
		e.job.State = StateDelayed
		e.job.RunAt = *retryAt
	}

	return e.job.Clone(), nil
}

// Retry moves a job back to waiting, keeping its attempt count.
func (mb *MemoryBackend) Retry(ctx context.Context, queue, id string) (*Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, err := mb.entry(queue, id)
	if err != nil {
		return nil, err
	}
	if e.job.State == StateActive {
		return nil, ErrJobActive
	}

	q := mb.queue(queue)
	q.seq++
	e.seq = q.seq
	e.job.State = StateWaiting
	e.job.RunAt = mb.now()
	e.job.FinishedAt = nil

	return e.job.Clone(), nil
}

// Cancel removes a job that is not currently being processed.
func (mb *MemoryBackend) Cancel(ctx context.Context, queue, id string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, err := mb.entry(queue, id)
	if err != nil {
		return err
	}
	if e.job.State == StateActive {
		return ErrJobActive
	}

	delete(mb.queues[queue].entries, id)
	return nil
}

// Remove deletes a job regardless of its state.
func (mb *MemoryBackend) Remove(ctx context.Context, queue, id string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, err := mb.entry(queue, id); err != nil {
		return err
	}
	delete(mb.queues[queue].entries, id)
	return nil
}

// List returns jobs in the given state ordered the way they are processed or finished.
func (mb *MemoryBackend) List(ctx context.Context, queue string, state State, offset, limit int) ([]*Job, error) {
	if !state.Valid() {
		return nil, ErrInvalidState
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	q := mb.queue(queue)
	mb.promoteDue(q, mb.now())

	matched := make([]*memoryEntry, 0)
	for _, e := range q.entries {
		if e.job.State == state {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, entryOrder(state))

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []*Job{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*Job, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.job.Clone())
	}
	return out, nil
}

// Counts returns the number of jobs per state.
func (mb *MemoryBackend) Counts(ctx context.Context, queue string) (Counts, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	q := mb.queue(queue)
	mb.promoteDue(q, mb.now())

	var c Counts
	for _, e := range q.entries {
		switch e.job.State {
		case StateWaiting:
			c.Waiting++
		case StateActive:
			c.Active++
		case StateDelayed:
			c.Delayed++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

// UpdateProgress stores progress of an active job.
func (mb *MemoryBackend) UpdateProgress(ctx context.Context, queue, id string, progress int) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, err := mb.activeEntry(queue, id)
	if err != nil {
		return err
	}
	e.job.Progress = progress
	return nil
}

// ExtendLock pushes the lock expiry of an active job.
func (mb *MemoryBackend) ExtendLock(ctx context.Context, queue, id string, lockFor time.Duration) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, err := mb.activeEntry(queue, id)
	if err != nil {
		return err
	}
	lockUntil := mb.now().Add(lockFor)
	e.job.LockedUntil = &lockUntil
	return nil
}

// RecoverStalled returns active jobs whose lock expired to the waiting state.
func (mb *MemoryBackend) RecoverStalled(ctx context.Context, queue string) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := mb.now()
	q := mb.queue(queue)
	recovered := 0
	for _, e := range q.entries {
		if e.job.State != StateActive || e.job.LockedUntil == nil || e.job.LockedUntil.After(now) {
			continue
		}
		q.seq++
		e.seq = q.seq
		e.job.State = StateWaiting
		e.job.LockedUntil = nil
		recovered++
	}
	return recovered, nil
}

// Trim deletes completed and failed jobs outside the retention policy.
func (mb *MemoryBackend) Trim(ctx context.Context, queue string, retention Retention) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := mb.now()
	q := mb.queue(queue)
	removed := 0

	completed := make([]*memoryEntry, 0)
	for id, e := range q.entries {
		switch e.job.State {
		case StateCompleted:
			if retention.CompletedAge > 0 && finishedBefore(e.job, now.Add(-retention.CompletedAge)) {
				delete(q.entries, id)
				removed++
				continue
			}
			completed = append(completed, e)
		case StateFailed:
			if retention.FailedAge > 0 && finishedBefore(e.job, now.Add(-retention.FailedAge)) {
				delete(q.entries, id)
				removed++
			}
		}
	}

	if retention.CompletedCount > 0 && len(completed) > retention.CompletedCount {
		slices.SortFunc(completed, entryOrder(StateCompleted))
		for _, e := range completed[retention.CompletedCount:] {
			delete(q.entries, e.job.ID)
			removed++
		}
	}

	return removed, nil
}

func (mb *MemoryBackend) queue(name string) *memoryQueue {
	q, ok := mb.queues[name]
	if !ok {
		q = &memoryQueue{entries: make(map[string]*memoryEntry)}
		mb.queues[name] = q
	}
	return q
}

func (mb *MemoryBackend) entry(queue, id string) (*memoryEntry, error) {
	q, ok := mb.queues[queue]
	if !ok {
		return nil, ErrJobNotFound
	}
	e, ok := q.entries[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return e, nil
}

func (mb *MemoryBackend) activeEntry(queue, id string) (*memoryEntry, error) {
	e, err := mb.entry(queue, id)
	if err != nil {
		return nil, err
	}
	if e.job.State != StateActive {
		return nil, ErrJobNotActive
	}
	return e, nil
}

// promoteDue moves delayed jobs whose run time has passed to waiting,
// in run-time order so earlier retries keep precedence.
func (mb *MemoryBackend) promoteDue(q *memoryQueue, now time.Time) {
	due := make([]*memoryEntry, 0)
	for _, e := range q.entries {
		if e.job.State == StateDelayed && !e.job.RunAt.After(now) {
			due = append(due, e)
		}
	}
	slices.SortFunc(due, func(a, b *memoryEntry) int {
		return cmp.Or(a.job.RunAt.Compare(b.job.RunAt), cmp.Compare(a.seq, b.seq))
	})
	for _, e := range due {
		q.seq++
		e.seq = q.seq
		e.job.State = StateWaiting
	}
}

func entryOrder(state State) func(a, b *memoryEntry) int {
	switch state {
	case StateWaiting:
		return func(a, b *memoryEntry) int {
			return cmp.Or(cmp.Compare(b.job.Options.Priority, a.job.Options.Priority), cmp.Compare(a.seq, b.seq))
		}
	case StateDelayed:
		return func(a, b *memoryEntry) int {
			return cmp.Or(a.job.RunAt.Compare(b.job.RunAt), cmp.Compare(a.seq, b.seq))
		}
	case StateCompleted, StateFailed:
		// newest first
		return func(a, b *memoryEntry) int {
			return cmp.Or(timeOf(b.job.FinishedAt).Compare(timeOf(a.job.FinishedAt)), cmp.Compare(b.seq, a.seq))
		}
	default:
		return func(a, b *memoryEntry) int {
			return cmp.Or(timeOf(a.job.ProcessedAt).Compare(timeOf(b.job.ProcessedAt)), cmp.Compare(a.seq, b.seq))
		}
	}
}

func finishedBefore(job *Job, cutoff time.Time) bool {
	return job.FinishedAt != nil && job.FinishedAt.Before(cutoff)
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
