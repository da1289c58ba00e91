package dependency

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	deps map[string]*Dependency
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deps: make(map[string]*Dependency)}
}

var _ Store = (*MemoryStore)(nil)

func (ms *MemoryStore) Insert(ctx context.Context, dep *Dependency) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.deps[dep.ID]; ok {
		return ErrDuplicateDependency
	}
	ms.deps[dep.ID] = dep.Clone()
	return nil
}

func (ms *MemoryStore) Get(ctx context.Context, id string) (*Dependency, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	dep, ok := ms.deps[id]
	if !ok {
		return nil, ErrDependencyNotFound
	}
	return dep.Clone(), nil
}

func (ms *MemoryStore) ListPending(ctx context.Context, parentQueue, parentJobID string) ([]*Dependency, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]*Dependency, 0)
	for _, dep := range ms.deps {
		if dep.Status == StatusPending && dep.ParentQueue == parentQueue && dep.ParentJobID == parentJobID {
			out = append(out, dep.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Dependency) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (ms *MemoryStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Dependency, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]*Dependency, 0)
	for _, dep := range ms.deps {
		if dep.Status == StatusPending && dep.CreatedAt.Before(cutoff) {
			out = append(out, dep.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Dependency) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ms *MemoryStore) IsPendingDependent(ctx context.Context, queue, jobID string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, dep := range ms.deps {
		if dep.Status == StatusPending && dep.Dependent.Queue == queue && dep.DependentJobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (ms *MemoryStore) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	dep, ok := ms.deps[id]
	if !ok {
		return false, ErrDependencyNotFound
	}
	if dep.Status != StatusPending {
		return false, nil
	}

	dep.Status = t.To
	dep.Error = t.Error
	completed, expires := t.CompletedAt, t.ExpiresAt
	dep.CompletedAt = &completed
	dep.ExpiresAt = &expires
	return true, nil
}

func (ms *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var removed int64
	for id, dep := range ms.deps {
		if dep.ExpiresAt != nil && dep.ExpiresAt.Before(now) {
			delete(ms.deps, id)
			removed++
		}
	}
	return removed, nil
}
