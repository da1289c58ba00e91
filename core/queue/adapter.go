package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AdapterStats provides observability metrics for the adapter maintenance loop.
type AdapterStats struct {
	Queues           int   // Number of queue handles created so far
	StalledRecovered int64 // Total number of stalled jobs returned to waiting
	Trimmed          int64 // Total number of finished jobs removed by retention
	IsRunning        bool  // Whether the maintenance loop is running
	Disabled         bool  // Whether the backend was unreachable at construction
}

// Adapter is the single entry point to the live queues.
// It hands out one memoized Handle per queue name and owns the maintenance
// loop that recovers stalled jobs and applies retention.
type Adapter struct {
	backend  Backend
	logger   *slog.Logger
	disabled bool

	defaults            Options
	retention           Retention
	lockTimeout         time.Duration
	maintenanceInterval time.Duration
	shutdownTimeout     time.Duration

	handlesMu sync.RWMutex
	handles   map[string]*Handle

	mu      sync.Mutex
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	stalledRecovered atomic.Int64
	trimmed          atomic.Int64
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the logger for adapter operations.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithDefaultOptions replaces the options applied to every new job.
func WithDefaultOptions(opts Options) AdapterOption {
	return func(a *Adapter) {
		if opts.Attempts > 0 {
			a.defaults.Attempts = opts.Attempts
		}
		if opts.Backoff.Type != "" {
			a.defaults.Backoff.Type = opts.Backoff.Type
		}
		if opts.Backoff.Delay > 0 {
			a.defaults.Backoff.Delay = opts.Backoff.Delay
		}
		if opts.Priority > 0 {
			a.defaults.Priority = opts.Priority
		}
	}
}

// WithRetention sets the retention policy for finished jobs.
func WithRetention(r Retention) AdapterOption {
	return func(a *Adapter) {
		a.retention = r
	}
}

// WithLockTimeout sets how long a claimed job stays locked before it is considered stalled.
func WithLockTimeout(timeout time.Duration) AdapterOption {
	return func(a *Adapter) {
		if timeout > 0 {
			a.lockTimeout = timeout
		}
	}
}

// WithMaintenanceInterval sets how often stalled recovery and retention run.
func WithMaintenanceInterval(interval time.Duration) AdapterOption {
	return func(a *Adapter) {
		if interval > 0 {
			a.maintenanceInterval = interval
		}
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout of the maintenance loop.
func WithShutdownTimeout(timeout time.Duration) AdapterOption {
	return func(a *Adapter) {
		if timeout > 0 {
			a.shutdownTimeout = timeout
		}
	}
}

// New creates an adapter over the given backend.
// The backend is pinged once. When unreachable, a single error is logged and
// the adapter runs in disabled mode: every operation returns ErrBackendUnavailable.
func New(ctx context.Context, backend Backend, opts ...AdapterOption) (*Adapter, error) {
	if backend == nil {
		return nil, ErrBackendNil
	}

	a := &Adapter{
		backend:             backend,
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		defaults:            DefaultOptions(),
		retention:           DefaultRetention(),
		lockTimeout:         5 * time.Minute,
		maintenanceInterval: 30 * time.Second,
		shutdownTimeout:     30 * time.Second,
		handles:             make(map[string]*Handle),
	}

	for _, opt := range opts {
		opt(a)
	}

	if err := backend.Ping(ctx); err != nil {
		a.disabled = true
		a.logger.ErrorContext(ctx, "queue backend unavailable, background jobs are disabled",
			slog.String("error", err.Error()))
	}

	return a, nil
}

// NewFromConfig creates an adapter from configuration.
// Additional options override config values.
func NewFromConfig(ctx context.Context, cfg Config, backend Backend, opts ...AdapterOption) (*Adapter, error) {
	configOpts := []AdapterOption{
		WithLockTimeout(cfg.LockTimeout),
		WithMaintenanceInterval(cfg.MaintenanceInterval),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithDefaultOptions(Options{
			Attempts: cfg.DefaultAttempts,
			Backoff:  Backoff{Type: BackoffExponential, Delay: cfg.DefaultBackoffDelay},
		}),
		WithRetention(Retention{
			CompletedAge:   cfg.CompletedRetention,
			CompletedCount: cfg.CompletedMaxCount,
			FailedAge:      cfg.FailedRetention,
		}),
	}

	return New(ctx, backend, append(configOpts, opts...)...)
}

// Enabled reports whether the backend was reachable at construction.
func (a *Adapter) Enabled() bool {
	return !a.disabled
}

// LockTimeout returns the claim lock duration.
func (a *Adapter) LockTimeout() time.Duration {
	return a.lockTimeout
}

// Queue returns the memoized handle for the named queue.
func (a *Adapter) Queue(name string) *Handle {
	a.handlesMu.RLock()
	h, ok := a.handles[name]
	a.handlesMu.RUnlock()
	if ok {
		return h
	}

	a.handlesMu.Lock()
	defer a.handlesMu.Unlock()

	if h, ok := a.handles[name]; ok {
		return h
	}
	h = &Handle{adapter: a, name: name}
	a.handles[name] = h
	return h
}

// QueueNames returns the names of all queues with a handle, sorted.
func (a *Adapter) QueueNames() []string {
	a.handlesMu.RLock()
	defer a.handlesMu.RUnlock()

	names := make([]string, 0, len(a.handles))
	for name := range a.handles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Add submits a job to the named queue.
func (a *Adapter) Add(ctx context.Context, queue, name string, data any, opts ...EnqueueOption) (*Job, error) {
	return a.Queue(queue).Add(ctx, name, data, opts...)
}

// GetJob returns a job by id. Returns ErrJobNotFound when missing.
func (a *Adapter) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	return a.Queue(queue).Get(ctx, id)
}

// JobsByState lists jobs of a queue in the given state.
func (a *Adapter) JobsByState(ctx context.Context, queue string, state State, offset, limit int) ([]*Job, error) {
	return a.Queue(queue).JobsByState(ctx, state, offset, limit)
}

// RemoveJob deletes a job regardless of state.
func (a *Adapter) RemoveJob(ctx context.Context, queue, id string) error {
	return a.Queue(queue).Remove(ctx, id)
}

// RetryJob moves a failed job back to waiting.
func (a *Adapter) RetryJob(ctx context.Context, queue, id string) (*Job, error) {
	return a.Queue(queue).Retry(ctx, id)
}

// CancelJob removes a job that has not started. Active jobs cannot be interrupted.
func (a *Adapter) CancelJob(ctx context.Context, queue, id string) error {
	return a.Queue(queue).Cancel(ctx, id)
}

// QueueStats returns the per-state counts of a queue.
func (a *Adapter) QueueStats(ctx context.Context, queue string) (Counts, error) {
	return a.Queue(queue).Stats(ctx)
}

func (a *Adapter) check() error {
	if a.disabled {
		return ErrBackendUnavailable
	}
	return nil
}

// Start runs the maintenance loop. This is a blocking operation that runs
// until the context is cancelled. Use Run() for errgroup pattern.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.check(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return ErrAdapterStarted
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.running.Store(true)
	defer a.running.Store(false)

	a.logger.InfoContext(ctx, "queue maintenance started",
		slog.Duration("interval", a.maintenanceInterval),
		slog.Duration("lock_timeout", a.lockTimeout))

	ticker := time.NewTicker(a.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(context.Background(), "queue maintenance stopping")
			return ctx.Err()
		case <-ticker.C:
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				a.maintainWithWait(ctx)
			}
		}
	}
}

// Stop gracefully shuts down the maintenance loop with a timeout.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return ErrAdapterNotStarted
	}
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.InfoContext(context.Background(), "queue maintenance stopped cleanly")
		return nil
	case <-ctx.Done():
		a.logger.WarnContext(context.Background(), "queue maintenance shutdown timeout exceeded",
			slog.Duration("timeout", a.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", a.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (a *Adapter) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- a.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = a.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				_ = a.Stop()
				return nil
			}
			return err
		}
	}
}

// Maintain runs one stalled-recovery and retention pass over every known queue.
func (a *Adapter) Maintain(ctx context.Context) error {
	if err := a.check(); err != nil {
		return err
	}

	var errs []error
	for _, name := range a.QueueNames() {
		recovered, err := a.backend.RecoverStalled(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover stalled jobs in %q: %w", name, err))
		} else if recovered > 0 {
			a.stalledRecovered.Add(int64(recovered))
			a.logger.WarnContext(ctx, "recovered stalled jobs",
				slog.String("queue", name),
				slog.Int("count", recovered))
		}

		trimmed, err := a.backend.Trim(ctx, name, a.retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("trim finished jobs in %q: %w", name, err))
		} else if trimmed > 0 {
			a.trimmed.Add(int64(trimmed))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) maintainWithWait(ctx context.Context) {
	a.wg.Add(1)
	defer a.wg.Done()

	if err := a.Maintain(ctx); err != nil && ctx.Err() == nil {
		a.logger.ErrorContext(ctx, "queue maintenance failed", slog.String("error", err.Error()))
	}
}

// Stats returns current adapter statistics.
func (a *Adapter) Stats() AdapterStats {
	a.handlesMu.RLock()
	queues := len(a.handles)
	a.handlesMu.RUnlock()

	return AdapterStats{
		Queues:           queues,
		StalledRecovered: a.stalledRecovered.Load(),
		Trimmed:          a.trimmed.Load(),
		IsRunning:        a.running.Load(),
		Disabled:         a.disabled,
	}
}

// Healthcheck validates that the backend is reachable and maintenance is running.
func (a *Adapter) Healthcheck(ctx context.Context) error {
	if a.disabled {
		return errors.Join(ErrHealthcheckFailed, ErrBackendUnavailable)
	}
	if err := a.backend.Ping(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	if !a.running.Load() {
		return errors.Join(ErrHealthcheckFailed, ErrAdapterNotStarted)
	}
	return nil
}

func (a *Adapter) buildJob(queue, name string, data any, opts []EnqueueOption) (*Job, error) {
	if queue == "" {
		return nil, ErrQueueNameEmpty
	}
	if name == "" {
		return nil, ErrJobNameEmpty
	}

	options := a.defaults
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrMarshalPayload, fmt.Errorf("payload of type %T: %w", data, err))
	}

	id := options.JobID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	job := &Job{
		ID:        id,
		Queue:     queue,
		Name:      name,
		Data:      payload,
		Options:   options,
		State:     StateWaiting,
		RunAt:     now,
		CreatedAt: now,
	}
	if options.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(options.Delay)
	}
	job.Options.JobID = id

	return job, nil
}
