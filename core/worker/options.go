package worker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/conveyor/core/deadletter"
	"github.com/dmitrymomot/conveyor/core/dependency"
	"github.com/dmitrymomot/conveyor/core/metrics"
	"github.com/dmitrymomot/conveyor/core/queue"
)

const (
	DefaultPollInterval    = time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultConcurrency     = 1
)

// MetricsSink receives one record per finished attempt. *metrics.Recorder satisfies it.
type MetricsSink interface {
	Record(ctx context.Context, rec metrics.Record)
}

// Resolver fires dependents of a finished job. *dependency.Manager satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, parentQueue, parentJobID string, succeeded bool) dependency.Summary
}

// DeadLetterer takes over jobs that exhausted their attempts. *deadletter.Manager satisfies it.
type DeadLetterer interface {
	MoveToDeadLetter(ctx context.Context, queueName, jobID, reason string) (*deadletter.Record, error)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets where execution metrics go.
func WithMetrics(sink MetricsSink) Option {
	return func(r *Runtime) {
		r.metrics = sink
	}
}

// WithDependencies sets the resolver called after every final outcome.
func WithDependencies(res Resolver) Option {
	return func(r *Runtime) {
		r.deps = res
	}
}

// WithDeadLetter sets the handler for exhausted jobs.
func WithDeadLetter(dl DeadLetterer) Option {
	return func(r *Runtime) {
		r.deadLetter = dl
	}
}

// WithPollInterval sets how long an idle slot waits before claiming again.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithShutdownTimeout sets how long Stop waits for in-flight jobs.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// WithDefaultConcurrency sets the slot count of workers created without WithConcurrency.
func WithDefaultConcurrency(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.defaultConcurrency = n
		}
	}
}

// WithTracerProvider sets the provider for job execution spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runtime) {
		if tp != nil {
			r.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider sets the provider for execution instruments.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Runtime) {
		if mp != nil {
			r.instruments = newInstruments(mp.Meter(instrumentationName))
		}
	}
}

// WithUserIDFunc sets how the user of a job is determined for metrics.
// Defaults to the user_id field of the JSON payload.
func WithUserIDFunc(fn func(*queue.Job) string) Option {
	return func(r *Runtime) {
		if fn != nil {
			r.userID = fn
		}
	}
}

// WithMemoryStats samples the process allocation counter around every job
// and reports the delta as its memory usage. Each sample stops the world
// briefly, so it is off by default and usage is reported as zero.
func WithMemoryStats(enabled bool) Option {
	return func(r *Runtime) {
		r.memStats = enabled
	}
}

// WorkerOption configures a single worker.
type WorkerOption func(*workerConfig)

type workerConfig struct {
	concurrency        int
	rateLimitPerMinute int
}

// WithConcurrency sets the number of parallel execution slots.
func WithConcurrency(n int) WorkerOption {
	return func(c *workerConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRateLimitPerMinute caps how many jobs the worker starts per minute.
// Zero means unlimited.
func WithRateLimitPerMinute(n int) WorkerOption {
	return func(c *workerConfig) {
		if n >= 0 {
			c.rateLimitPerMinute = n
		}
	}
}
