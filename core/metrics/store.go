package metrics

import (
	"context"
	"sync"
)

// Store persists metric records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	// Find returns matching records, oldest first.
	Find(ctx context.Context, filter Filter) ([]*Record, error)
}

// MemoryStore implements Store in process memory. Expiry is not enforced.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (ms *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	c := *rec
	ms.mu.Lock()
	ms.records = append(ms.records, &c)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Find(ctx context.Context, filter Filter) ([]*Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]*Record, 0)
	for _, rec := range ms.records {
		if filter.Match(rec) {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}
