package deadletter

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byJob   map[jobKey]string
}

type jobKey struct {
	queue string
	jobID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byJob:   make(map[jobKey]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (ms *MemoryStore) Upsert(ctx context.Context, rec *Record) (*Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	key := jobKey{queue: rec.OriginalQueue, jobID: rec.OriginalJobID}
	if id, ok := ms.byJob[key]; ok {
		existing := ms.records[id]
		existing.JobName = rec.JobName
		existing.Data = rec.Data
		existing.FailedReason = rec.FailedReason
		existing.AttemptsMade = rec.AttemptsMade
		existing.EnqueuedAt = rec.EnqueuedAt
		existing.MovedAt = rec.MovedAt
		existing.ExpiresAt = rec.ExpiresAt
		return existing.Clone(), nil
	}

	stored := rec.Clone()
	ms.records[stored.ID] = stored
	ms.byJob[key] = stored.ID
	return stored.Clone(), nil
}

func (ms *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	rec, ok := ms.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (ms *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	matched := make([]*Record, 0)
	for _, rec := range ms.records {
		if filter.Queue != "" && rec.OriginalQueue != filter.Queue {
			continue
		}
		if filter.Retried != nil && rec.Retried != *filter.Retried {
			continue
		}
		matched = append(matched, rec)
	}
	slices.SortFunc(matched, func(a, b *Record) int {
		return cmp.Or(b.MovedAt.Compare(a.MovedAt), cmp.Compare(a.ID, b.ID))
	})

	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return []*Record{}, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*Record, 0, len(matched))
	for _, rec := range matched {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (ms *MemoryStore) MarkRetried(ctx context.Context, id, retryQueue string, at time.Time) (*Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.Retried {
		return nil, ErrAlreadyRetried
	}

	rec.Retried = true
	rec.RetriedAt = &at
	rec.RetryQueue = retryQueue
	rec.ExpiresAt = nil
	// the next failure of the same job id starts a new record
	ms.unindex(id, rec)
	return rec.Clone(), nil
}

func (ms *MemoryStore) SetRetryJob(ctx context.Context, id, jobID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.RetryJobID = jobID
	return nil
}

func (ms *MemoryStore) UnmarkRetried(ctx context.Context, id string, expiresAt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !rec.Retried {
		return nil
	}
	rec.Retried = false
	rec.RetriedAt = nil
	rec.RetryQueue = ""
	rec.RetryJobID = ""
	rec.ExpiresAt = &expiresAt

	key := jobKey{queue: rec.OriginalQueue, jobID: rec.OriginalJobID}
	if _, taken := ms.byJob[key]; !taken {
		ms.byJob[key] = id
	}
	return nil
}

func (ms *MemoryStore) DeleteNeverRetriedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var removed int64
	for id, rec := range ms.records {
		if !rec.Retried && rec.MovedAt.Before(cutoff) {
			ms.delete(id, rec)
			removed++
		}
	}
	return removed, nil
}

func (ms *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var removed int64
	for id, rec := range ms.records {
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
			ms.delete(id, rec)
			removed++
		}
	}
	return removed, nil
}

func (ms *MemoryStore) delete(id string, rec *Record) {
	delete(ms.records, id)
	ms.unindex(id, rec)
}

// unindex drops the job lookup only when it still points at this record.
func (ms *MemoryStore) unindex(id string, rec *Record) {
	key := jobKey{queue: rec.OriginalQueue, jobID: rec.OriginalJobID}
	if ms.byJob[key] == id {
		delete(ms.byJob, key)
	}
}
