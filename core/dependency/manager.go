package dependency

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
	Add(ctx context.Context, queue, name string, data any, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// Manager defers jobs until their parent job completes.
//
// Every dependent gets its job id at registration time. Firing enqueues with
// that id, so concurrent resolvers collapse into one job: the loser of the
// race sees ErrDuplicateJob and treats the dependent as fired.
type Manager struct {
	queues    Queues
	store     Store
	logger    *slog.Logger
	policy    FailurePolicy
	retention time.Duration
	now       func() time.Time
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

// WithFailurePolicy sets what happens to dependents of a failed parent.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithRetention sets how long resolved dependencies are kept.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
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

// NewManager creates a dependency manager.
func NewManager(queues Queues, store Store, opts ...Option) (*Manager, error) {
	if queues == nil {
		return nil, ErrQueuesNil
	}
	if store == nil {
		return nil, ErrStoreNil
	}

	m := &Manager{
		queues:    queues,
		store:     store,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy:    FireOnFailure,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RegisterDependent records that spec runs after the parent job completes.
// A parent that already completed starts the dependent immediately.
func (m *Manager) RegisterDependent(ctx context.Context, parentJobID, parentQueue string, spec Spec) (Registration, error) {
	if spec.Queue == "" || spec.Name == "" {
		return Registration{}, fmt.Errorf("%w: queue and name are required", ErrInvalidSpec)
	}
	if spec.Options.JobID == "" {
		spec.Options.JobID = uuid.NewString()
	}
	jobID := spec.Options.JobID

	parent, err := m.queues.GetJob(ctx, parentQueue, parentJobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return Registration{}, fmt.Errorf("%w: %s in %q", ErrParentNotFound, parentJobID, parentQueue)
		}
		return Registration{}, fmt.Errorf("load parent job %s: %w", parentJobID, err)
	}

	if settled, fire := m.settled(parent); settled {
		if !fire {
			return Registration{}, fmt.Errorf("%w: %s", ErrParentFailed, parentJobID)
		}
		if err := m.enqueue(ctx, spec); err != nil {
			return Registration{}, err
		}
		return Registration{Started: true, JobID: jobID}, nil
	}

	dep := &Dependency{
		ID:             uuid.NewString(),
		ParentJobID:    parentJobID,
		ParentQueue:    parentQueue,
		Dependent:      spec,
		DependentJobID: jobID,
		Status:         StatusPending,
		CreatedAt:      m.now(),
	}
	if err := m.store.Insert(ctx, dep); err != nil {
		return Registration{}, fmt.Errorf("store dependency: %w", err)
	}

	m.logger.DebugContext(ctx, "dependent job registered",
		logger.Queue(parentQueue),
		logger.JobID(parentJobID),
		slog.String("dependency_id", dep.ID),
		slog.String("dependent_queue", spec.Queue),
		slog.String("dependent_job_id", jobID))

	// The parent may have finished between the check and the insert,
	// in which case its Resolve call has already run without this record.
	// A parent gone by now was dead lettered or trimmed after finishing;
	// its outcome is unknown, so it counts as a failure.
	reg := Registration{DependencyID: dep.ID, JobID: jobID}
	settled, fire, err := m.recheck(ctx, parentQueue, parentJobID)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to re-check parent after registration",
			logger.Queue(parentQueue),
			logger.JobID(parentJobID),
			slog.String("dependency_id", dep.ID),
			logger.Error(err))
		return reg, nil
	}
	if !settled {
		return reg, nil
	}
	out, err := m.resolveOne(ctx, dep, fire)
	if err != nil {
		return reg, err
	}
	reg.Started = out == outcomeFired
	return reg, nil
}

// recheck loads the parent again after a dependency was stored.
func (m *Manager) recheck(ctx context.Context, parentQueue, parentJobID string) (settled, fire bool, err error) {
	parent, err := m.queues.GetJob(ctx, parentQueue, parentJobID)
	switch {
	case err == nil:
		settled, fire = m.settled(parent)
		return settled, fire, nil
	case errors.Is(err, queue.ErrJobNotFound):
		return true, m.policy == FireOnFailure, nil
	default:
		return false, false, err
	}
}

// Resolve fires or cancels every pending dependent of a finished parent.
// Errors are logged, never returned: the parent's outcome is already decided.
func (m *Manager) Resolve(ctx context.Context, parentQueue, parentJobID string, succeeded bool) Summary {
	var sum Summary

	deps, err := m.store.ListPending(ctx, parentQueue, parentJobID)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list pending dependents",
			logger.Queue(parentQueue),
			logger.JobID(parentJobID),
			logger.Error(err))
		sum.Errors++
		return sum
	}

	fire := succeeded || m.policy == FireOnFailure
	for _, dep := range deps {
		out, err := m.resolveOne(ctx, dep, fire)
		if err != nil {
			sum.Errors++
			m.logger.ErrorContext(ctx, "failed to resolve dependent job",
				logger.Queue(parentQueue),
				logger.JobID(parentJobID),
				slog.String("dependency_id", dep.ID),
				logger.Error(err))
			continue
		}
		sum.add(out)
	}

	if len(deps) > 0 {
		m.logger.InfoContext(ctx, "dependents resolved",
			logger.Queue(parentQueue),
			logger.JobID(parentJobID),
			slog.Bool("parent_succeeded", succeeded),
			slog.Int("fired", sum.Fired),
			slog.Int("cancelled", sum.Cancelled),
			slog.Int("skipped", sum.Skipped),
			slog.Int("errors", sum.Errors))
	}
	return sum
}

// Reconcile resolves pending dependencies whose parent settled without a
// Resolve call reaching them, as happens when a worker dies between
// finishing a job and resolving its dependents. Only dependencies older than
// grace are checked. A parent that no longer exists counts as failed unless
// it is itself a chain step still waiting to be enqueued.
func (m *Manager) Reconcile(ctx context.Context, grace time.Duration) (Summary, error) {
	var sum Summary

	deps, err := m.store.ListPendingBefore(ctx, m.now().Add(-grace), ReconcileBatch)
	if err != nil {
		return sum, fmt.Errorf("list stale dependencies: %w", err)
	}

	for _, dep := range deps {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		settled, fire, err := m.parentOutcome(ctx, dep)
		if err == nil && settled {
			var out outcome
			out, err = m.resolveOne(ctx, dep, fire)
			sum.add(out)
		}
		if err != nil {
			sum.Errors++
			m.logger.ErrorContext(ctx, "failed to reconcile dependency",
				logger.Queue(dep.ParentQueue),
				logger.JobID(dep.ParentJobID),
				slog.String("dependency_id", dep.ID),
				logger.Error(err))
		}
	}

	if sum.Fired+sum.Cancelled > 0 {
		m.logger.WarnContext(ctx, "stranded dependents resolved",
			slog.Int("checked", len(deps)),
			slog.Int("fired", sum.Fired),
			slog.Int("cancelled", sum.Cancelled),
			slog.Int("errors", sum.Errors))
	}
	return sum, nil
}

func (m *Manager) parentOutcome(ctx context.Context, dep *Dependency) (settled, fire bool, err error) {
	parent, err := m.queues.GetJob(ctx, dep.ParentQueue, dep.ParentJobID)
	switch {
	case err == nil:
		settled, fire = m.settled(parent)
		return settled, fire, nil
	case errors.Is(err, queue.ErrJobNotFound):
		waiting, err := m.store.IsPendingDependent(ctx, dep.ParentQueue, dep.ParentJobID)
		if err != nil {
			return false, false, fmt.Errorf("look up parent %s: %w", dep.ParentJobID, err)
		}
		if waiting {
			return false, false, nil
		}
		return true, m.policy == FireOnFailure, nil
	default:
		return false, false, fmt.Errorf("load parent job %s: %w", dep.ParentJobID, err)
	}
}

// Chain enqueues the first spec and registers each following spec as a
// dependent of the previous one. Returns the job ids in chain order.
func (m *Manager) Chain(ctx context.Context, specs ...Spec) ([]string, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyChain
	}

	ids := make([]string, len(specs))
	for i := range specs {
		if specs[i].Queue == "" || specs[i].Name == "" {
			return nil, fmt.Errorf("%w: chain step %d needs queue and name", ErrInvalidSpec, i)
		}
		if specs[i].Options.JobID == "" {
			specs[i].Options.JobID = uuid.NewString()
		}
		ids[i] = specs[i].Options.JobID
	}

	// Register from the tail so no step can fire before its successor is recorded.
	deps := make([]*Dependency, 0, len(specs)-1)
	for i := len(specs) - 1; i > 0; i-- {
		dep := &Dependency{
			ID:             uuid.NewString(),
			ParentJobID:    ids[i-1],
			ParentQueue:    specs[i-1].Queue,
			Dependent:      specs[i],
			DependentJobID: ids[i],
			Status:         StatusPending,
			CreatedAt:      m.now(),
		}
		if err := m.store.Insert(ctx, dep); err != nil {
			m.abandon(ctx, deps, err)
			return nil, fmt.Errorf("store chain step %d: %w", i, err)
		}
		deps = append(deps, dep)
	}

	if err := m.enqueue(ctx, specs[0]); err != nil {
		// the steps would otherwise wait on a head that never existed
		m.abandon(ctx, deps, err)
		return nil, fmt.Errorf("enqueue chain head: %w", err)
	}

	m.logger.InfoContext(ctx, "job chain created",
		slog.Int("steps", len(specs)),
		logger.JobID(ids[0]))

	return ids, nil
}

// Get returns a dependency by id.
func (m *Manager) Get(ctx context.Context, id string) (*Dependency, error) {
	return m.store.Get(ctx, id)
}

// Purge deletes resolved dependencies past their retention.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("purge dependencies: %w", err)
	}
	return n, nil
}

// settled reports whether the parent has a final outcome and, if so,
// whether its dependents should fire.
func (m *Manager) settled(parent *queue.Job) (settled, fire bool) {
	switch parent.State {
	case queue.StateCompleted:
		return true, true
	case queue.StateFailed:
		return true, m.policy == FireOnFailure
	default:
		return false, false
	}
}

// resolveOne settles a single dependency. The dependent is enqueued before
// the record leaves pending, so a crash in between re-fires it under the same
// job id instead of losing it. Losing the transition to a concurrent resolver
// is reported as outcomeSkipped.
func (m *Manager) resolveOne(ctx context.Context, dep *Dependency, fire bool) (outcome, error) {
	now := m.now()
	t := Transition{
		To:          StatusCompleted,
		CompletedAt: now,
		ExpiresAt:   now.Add(m.retention),
	}

	if !fire {
		t.To = StatusFailed
		t.Error = ErrParentFailed.Error()
		won, err := m.store.Transition(ctx, dep.ID, t)
		if err != nil {
			return outcomeNone, fmt.Errorf("cancel dependency %s: %w", dep.ID, err)
		}
		if !won {
			return outcomeSkipped, nil
		}
		return outcomeCancelled, nil
	}

	if err := m.enqueue(ctx, dep.Dependent); err != nil {
		t.To = StatusFailed
		t.Error = err.Error()
		won, terr := m.store.Transition(ctx, dep.ID, t)
		if terr != nil {
			return outcomeNone, errors.Join(err, terr)
		}
		if !won {
			return outcomeSkipped, nil
		}
		return outcomeNone, err
	}

	won, err := m.store.Transition(ctx, dep.ID, t)
	if err != nil {
		return outcomeFired, fmt.Errorf("mark dependency %s completed: %w", dep.ID, err)
	}
	if !won {
		return outcomeSkipped, nil
	}
	return outcomeFired, nil
}

// abandon fails dependencies stored for a chain that could not be created.
func (m *Manager) abandon(ctx context.Context, deps []*Dependency, cause error) {
	now := m.now()
	for _, dep := range deps {
		t := Transition{
			To:          StatusFailed,
			Error:       cause.Error(),
			CompletedAt: now,
			ExpiresAt:   now.Add(m.retention),
		}
		if _, err := m.store.Transition(ctx, dep.ID, t); err != nil {
			m.logger.ErrorContext(ctx, "failed to abandon chain step",
				slog.String("dependency_id", dep.ID),
				logger.Error(err))
		}
	}
}

func (m *Manager) enqueue(ctx context.Context, spec Spec) error {
	_, err := m.queues.Add(ctx, spec.Queue, spec.Name, spec.Data, queue.WithOptions(spec.Options))
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue dependent %q on %q: %w", spec.Name, spec.Queue, err)
	}
	return nil
}
