package scheduler

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

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/conveyor/core/logger"
)

const DefaultShutdownTimeout = 30 * time.Second

// Task is a unit of periodic work.
type Task func(ctx context.Context) error

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, spec, err)
	}
	return sched, nil
}

// TaskStats describes one registered task.
type TaskStats struct {
	Name         string
	Schedule     string
	Running      bool
	Runs         int64
	Failures     int64
	Skipped      int64 // Ticks dropped because the previous run was still going
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
	Next         time.Time
}

// Stats is a snapshot of the scheduler.
type Stats struct {
	Tasks     []TaskStats
	IsRunning bool
}

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	task     Task
	id       cron.EntryID

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu           sync.Mutex
	lastRun      time.Time
	lastDuration time.Duration
	lastErr      error
}

// Scheduler fires registered tasks on their cron schedules.
type Scheduler struct {
	cron            *cron.Cron
	logger          *slog.Logger
	location        *time.Location
	shutdownTimeout time.Duration
	now             func() time.Time

	mu      sync.Mutex
	tasks   map[string]*entry
	cancel  context.CancelFunc
	taskCtx context.Context
	stopRun context.CancelFunc
	running atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for running tasks.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithClock overrides the time source used for stats.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		location:        time.UTC,
		shutdownTimeout: DefaultShutdownTimeout,
		now:             time.Now,
		tasks:           make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{log: s.logger}
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s
}

// NewFromConfig creates a scheduler from environment configuration.
func NewFromConfig(cfg Config, opts ...Option) *Scheduler {
	base := []Option{
		WithLocation(cfg.Location()),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}
	return New(append(base, opts...)...)
}

// Add registers a task. Tasks may be added while the scheduler runs.
func (s *Scheduler) Add(name, spec string, task Task) error {
	if name == "" {
		return ErrTaskNameEmpty
	}
	if task == nil {
		return ErrTaskNil
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	e := &entry{name: name, spec: spec, schedule: sched, task: task}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	s.tasks[name] = e

	s.logger.Debug("scheduled task registered",
		slog.String("task", name),
		slog.String("schedule", spec))
	return nil
}

// Remove unregisters a task. A run in progress finishes normally.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	s.cron.Remove(e.id)
	delete(s.tasks, name)
	return nil
}

// RunNow executes a task immediately under the same overlap guard as
// scheduled ticks. Returns ErrTaskRunning when a run is in progress.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.execute(ctx, e)
}

// Start runs the cron loop. This is a blocking operation that runs until the
// context is cancelled. Use Run() for errgroup pattern.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrSchedulerStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	// running tasks outlive the loop context until the shutdown timeout
	s.taskCtx, s.stopRun = context.WithCancel(context.WithoutCancel(ctx))
	count := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Int("tasks", count),
		slog.String("location", s.location.String()))

	<-ctx.Done()
	s.logger.InfoContext(context.Background(), "scheduler stopping")
	return ctx.Err()
}

// Stop halts the cron loop and waits for running tasks up to the shutdown
// timeout. Tasks still running after that get their context cancelled.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrSchedulerNotStarted
	}
	cancel, stopRun := s.cancel, s.stopRun
	s.cancel, s.stopRun = nil, nil
	s.mu.Unlock()

	cancel()
	defer stopRun()

	done := s.cron.Stop().Done()
	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.InfoContext(context.Background(), "scheduler stopped cleanly")
		return nil
	case <-timer.C:
		s.logger.WarnContext(context.Background(), "scheduler shutdown timeout exceeded",
			slog.Duration("timeout", s.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", s.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			err := s.Stop()
			<-errCh
			if errors.Is(err, ErrSchedulerNotStarted) {
				return nil
			}
			return err
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Start saw the cancellation first; the cron loop still needs stopping
				if err := s.Stop(); err != nil && !errors.Is(err, ErrSchedulerNotStarted) {
					return err
				}
				return nil
			}
			return err
		}
	}
}

// Stats returns per-task counters sorted by name.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := s.now().In(s.location)
	stats := Stats{
		Tasks:     make([]TaskStats, 0, len(entries)),
		IsRunning: s.running.Load(),
	}
	for _, e := range entries {
		e.mu.Lock()
		ts := TaskStats{
			Name:         e.name,
			Schedule:     e.spec,
			Running:      e.running.Load(),
			Runs:         e.runs.Load(),
			Failures:     e.failures.Load(),
			Skipped:      e.skipped.Load(),
			LastRun:      e.lastRun,
			LastDuration: e.lastDuration,
			Next:         e.schedule.Next(now),
		}
		if e.lastErr != nil {
			ts.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		stats.Tasks = append(stats.Tasks, ts)
	}
	sort.Slice(stats.Tasks, func(i, j int) bool {
		return stats.Tasks[i].Name < stats.Tasks[j].Name
	})
	return stats
}

// Healthcheck verifies the scheduler loop is running.
func (s *Scheduler) Healthcheck(ctx context.Context) error {
	if !s.running.Load() {
		return errors.Join(ErrHealthcheckFailed, ErrSchedulerNotStarted)
	}
	return nil
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	ctx := s.taskCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.execute(ctx, e); errors.Is(err, ErrTaskRunning) {
		s.logger.WarnContext(ctx, "scheduled task skipped, previous run still in progress",
			slog.String("task", e.name))
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		return fmt.Errorf("%w: %s", ErrTaskRunning, e.name)
	}
	defer e.running.Store(false)

	start := s.now()
	err := call(ctx, e.task)
	elapsed := s.now().Sub(start)

	e.runs.Add(1)
	e.mu.Lock()
	e.lastRun = start
	e.lastDuration = elapsed
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		e.failures.Add(1)
		s.logger.ErrorContext(ctx, "scheduled task failed",
			slog.String("task", e.name),
			logger.Duration(elapsed),
			logger.Error(err))
		return err
	}

	s.logger.DebugContext(ctx, "scheduled task finished",
		slog.String("task", e.name),
		logger.Duration(elapsed))
	return nil
}

func call(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return task(ctx)
}
