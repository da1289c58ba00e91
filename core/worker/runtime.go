package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dmitrymomot/conveyor/core/logger"
	"github.com/dmitrymomot/conveyor/core/metrics"
	"github.com/dmitrymomot/conveyor/core/queue"
)

// RuntimeStats provides observability of every worker pool.
type RuntimeStats struct {
	Workers   []WorkerStats
	IsRunning bool
}

// Runtime hosts one worker pool per queue and routes every finished attempt
// to the queue, metrics, dependency and dead letter handlers.
type Runtime struct {
	adapter *queue.Adapter
	logger  *slog.Logger

	metrics    MetricsSink
	deps       Resolver
	deadLetter DeadLetterer

	tracer      trace.Tracer
	instruments *instruments
	userID      func(*queue.Job) string
	memStats    bool

	pollInterval       time.Duration
	shutdownTimeout    time.Duration
	defaultConcurrency int

	mu         sync.Mutex
	workers    map[string]*Worker
	loopCtx    context.Context
	procCtx    context.Context
	cancel     context.CancelFunc
	procCancel context.CancelFunc
	running    atomic.Bool
	wg         sync.WaitGroup
}

// NewRuntime creates a worker runtime over the adapter.
func NewRuntime(adapter *queue.Adapter, opts ...Option) (*Runtime, error) {
	if adapter == nil {
		return nil, ErrAdapterNil
	}

	r := &Runtime{
		adapter:            adapter,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:             otel.Tracer(instrumentationName),
		instruments:        newInstruments(otel.Meter(instrumentationName)),
		userID:             func(j *queue.Job) string { return metrics.UserIDFromPayload(j.Data) },
		pollInterval:       DefaultPollInterval,
		shutdownTimeout:    DefaultShutdownTimeout,
		defaultConcurrency: DefaultConcurrency,
		workers:            make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewRuntimeFromConfig creates a runtime using configuration values.
func NewRuntimeFromConfig(cfg Config, adapter *queue.Adapter, opts ...Option) (*Runtime, error) {
	configOpts := []Option{
		WithPollInterval(cfg.PollInterval),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithDefaultConcurrency(cfg.DefaultConcurrency),
		WithMemoryStats(cfg.MemoryStats),
	}
	return NewRuntime(adapter, append(configOpts, opts...)...)
}

// CreateWorker registers the processor for a queue. Registering a queue twice
// logs a warning and returns the existing worker unchanged. A worker created
// while the runtime is running starts immediately.
func (r *Runtime) CreateWorker(queueName string, p Processor, opts ...WorkerOption) (*Worker, error) {
	if queueName == "" {
		return nil, ErrQueueNameEmpty
	}
	if p == nil {
		return nil, ErrProcessorNil
	}
	if !r.adapter.Enabled() {
		return nil, fmt.Errorf("create worker for %q: %w", queueName, queue.ErrBackendUnavailable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[queueName]; ok {
		r.logger.Warn("worker already registered, ignoring", logger.Queue(queueName))
		return w, nil
	}

	cfg := workerConfig{concurrency: r.defaultConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &Worker{
		rt:                 r,
		queue:              r.adapter.Queue(queueName),
		processor:          p,
		concurrency:        cfg.concurrency,
		rateLimitPerMinute: cfg.rateLimitPerMinute,
	}
	if cfg.rateLimitPerMinute > 0 {
		w.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.rateLimitPerMinute)), 1)
	}
	r.workers[queueName] = w

	r.logger.Info("worker registered",
		logger.Queue(queueName),
		slog.Int("concurrency", w.concurrency),
		slog.Int("rate_limit_per_minute", w.rateLimitPerMinute))

	if r.cancel != nil {
		w.start(r.loopCtx, r.procCtx)
	}
	return w, nil
}

// Worker returns the worker registered for a queue.
func (r *Runtime) Worker(queueName string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[queueName]
	return w, ok
}

// Queues returns the names of queues with a registered worker, sorted.
func (r *Runtime) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs every worker pool. This is a blocking operation that runs
// until the context is cancelled. Use Run() for errgroup pattern.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.adapter.Enabled() {
		return queue.ErrBackendUnavailable
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrRuntimeStarted
	}
	ctx, r.cancel = context.WithCancel(ctx)
	// in-flight jobs outlive the loop context until the shutdown timeout
	r.procCtx, r.procCancel = context.WithCancel(context.WithoutCancel(ctx))
	r.loopCtx = ctx
	for _, w := range r.workers {
		w.start(r.loopCtx, r.procCtx)
	}
	count := len(r.workers)
	r.mu.Unlock()

	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.InfoContext(ctx, "worker runtime started",
		slog.Int("workers", count),
		slog.Duration("poll_interval", r.pollInterval))

	<-ctx.Done()
	r.logger.InfoContext(context.Background(), "worker runtime stopping")
	return ctx.Err()
}

// Stop stops claiming new jobs and waits for in-flight ones up to the shutdown
// timeout. Jobs still running after that get their context cancelled.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return ErrRuntimeNotStarted
	}
	cancel, procCancel := r.cancel, r.procCancel
	r.cancel, r.procCancel = nil, nil
	r.mu.Unlock()

	cancel()
	defer procCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.shutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
		r.logger.InfoContext(context.Background(), "worker runtime stopped cleanly")
	case <-timer.C:
		r.logger.WarnContext(context.Background(), "worker runtime shutdown timeout exceeded",
			slog.Duration("timeout", r.shutdownTimeout))
		err = fmt.Errorf("shutdown timeout exceeded after %s", r.shutdownTimeout)
	}

	r.mu.Lock()
	for _, w := range r.workers {
		w.started.Store(false)
	}
	r.mu.Unlock()
	return err
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (r *Runtime) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- r.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			err := r.Stop()
			<-errCh
			if errors.Is(err, ErrRuntimeNotStarted) {
				return nil
			}
			return err
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Start saw the cancellation first; in-flight jobs still need draining
				if err := r.Stop(); err != nil && !errors.Is(err, ErrRuntimeNotStarted) {
					return err
				}
				return nil
			}
			return err
		}
	}
}

// Stats returns per-worker counters sorted by queue name.
func (r *Runtime) Stats() RuntimeStats {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	stats := RuntimeStats{
		Workers:   make([]WorkerStats, 0, len(workers)),
		IsRunning: r.running.Load(),
	}
	for _, w := range workers {
		stats.Workers = append(stats.Workers, w.Stats())
	}
	sort.Slice(stats.Workers, func(i, j int) bool {
		return stats.Workers[i].Queue < stats.Workers[j].Queue
	})
	return stats
}

// Healthcheck verifies the runtime is operational.
func (r *Runtime) Healthcheck(ctx context.Context) error {
	if !r.adapter.Enabled() {
		return errors.Join(ErrHealthcheckFailed, queue.ErrBackendUnavailable)
	}
	if !r.running.Load() {
		return errors.Join(ErrHealthcheckFailed, ErrRuntimeNotStarted)
	}
	return nil
}

// dispatch applies an outcome. Only the queue transition depends on the
// processor result; metrics, dependency and dead letter failures are logged.
func (r *Runtime) dispatch(ctx context.Context, w *Worker, out Outcome) {
	job := out.Job
	log := r.logger.With(logger.Queue(job.Queue), logger.JobID(job.ID), logger.JobName(job.Name))

	r.instruments.record(ctx, out)
	r.recordMetrics(ctx, out)

	if out.Kind == Succeeded {
		w.succeeded.Add(1)
		if _, err := w.queue.Complete(ctx, job.ID, out.Result); err != nil {
			// lock lost to stalled recovery; the job will run again
			log.WarnContext(ctx, "failed to mark job completed", logger.Error(err))
			return
		}
		log.DebugContext(ctx, "job completed", logger.Duration(out.Duration()))
		r.resolve(ctx, job, true)
		return
	}

	updated, err := w.queue.Fail(ctx, job, out.Reason())
	if err != nil {
		log.ErrorContext(ctx, "failed to record job failure", logger.Error(err))
		return
	}

	if updated.State != queue.StateFailed {
		w.retried.Add(1)
		log.WarnContext(ctx, "job attempt failed, retry scheduled",
			logger.Attempt(updated.AttemptsMade, updated.MaxAttempts()),
			slog.Time("run_at", updated.RunAt),
			logger.Error(out.Err))
		return
	}

	w.failed.Add(1)
	log.ErrorContext(ctx, "job failed permanently",
		logger.Attempt(updated.AttemptsMade, updated.MaxAttempts()),
		logger.Error(out.Err))

	if r.deadLetter != nil {
		if _, err := r.deadLetter.MoveToDeadLetter(ctx, job.Queue, job.ID, out.Reason()); err != nil {
			log.ErrorContext(ctx, "failed to move job to dead letter", logger.Error(err))
		} else {
			w.deadLettered.Add(1)
		}
	}
	r.resolve(ctx, job, false)
}

func (r *Runtime) recordMetrics(ctx context.Context, out Outcome) {
	if r.metrics == nil {
		return
	}
	r.metrics.Record(ctx, metrics.Record{
		Queue:       out.Job.Queue,
		JobID:       out.Job.ID,
		JobName:     out.Job.Name,
		UserID:      r.userID(out.Job),
		Duration:    out.Duration(),
		MemoryUsage: out.Memory,
		CPUUsage:    out.CPU,
		Cost:        out.Cost,
		Success:     out.Kind == Succeeded,
		Error:       out.Reason(),
		Retries:     out.Job.AttemptsMade,
		Timestamp:   out.Finished,
	})
}

func (r *Runtime) resolve(ctx context.Context, job *queue.Job, succeeded bool) {
	if r.deps == nil {
		return
	}
	r.deps.Resolve(ctx, job.Queue, job.ID, succeeded)
}
