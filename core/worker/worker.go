package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dmitrymomot/conveyor/core/logger"
	"github.com/dmitrymomot/conveyor/core/queue"
)

// WorkerStats provides observability of one worker pool.
type WorkerStats struct {
	Queue              string
	Concurrency        int
	RateLimitPerMinute int
	InFlight           int64 // Jobs currently inside the processor
	Processed          int64 // Attempts finished, any outcome
	Succeeded          int64
	Retried            int64 // Failed attempts rescheduled with backoff
	Failed             int64 // Jobs that exhausted their attempts
	DeadLettered       int64
	Panics             int64
}

// Worker is a pool of execution slots bound to one queue.
type Worker struct {
	rt                 *Runtime
	queue              *queue.Handle
	processor          Processor
	concurrency        int
	rateLimitPerMinute int
	limiter            *rate.Limiter

	started atomic.Bool

	inFlight     atomic.Int64
	processed    atomic.Int64
	succeeded    atomic.Int64
	retried      atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	panics       atomic.Int64
}

// Queue returns the queue name.
func (w *Worker) Queue() string {
	return w.queue.Name()
}

// Stats returns the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Queue:              w.queue.Name(),
		Concurrency:        w.concurrency,
		RateLimitPerMinute: w.rateLimitPerMinute,
		InFlight:           w.inFlight.Load(),
		Processed:          w.processed.Load(),
		Succeeded:          w.succeeded.Load(),
		Retried:            w.retried.Load(),
		Failed:             w.failed.Load(),
		DeadLettered:       w.deadLettered.Load(),
		Panics:             w.panics.Load(),
	}
}

func (w *Worker) start(loopCtx, procCtx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	for i := range w.concurrency {
		w.rt.wg.Add(1)
		go func() {
			defer w.rt.wg.Done()
			w.slot(loopCtx, procCtx, fmt.Sprintf("%s-%d", w.queue.Name(), i))
		}()
	}
}

// slot claims and processes jobs one at a time until loopCtx is done.
func (w *Worker) slot(loopCtx, procCtx context.Context, id string) {
	log := w.rt.logger.With(logger.Queue(w.queue.Name()), logger.WorkerID(id))
	log.DebugContext(loopCtx, "execution slot started")

	for loopCtx.Err() == nil {
		if !w.throttle(loopCtx) {
			return
		}

		job, err := w.queue.Claim(loopCtx)
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrNoJobAvailable) {
				log.ErrorContext(loopCtx, "failed to claim job", logger.Error(err))
			}
			if !sleep(loopCtx, w.rt.pollInterval) {
				return
			}
			continue
		}

		if w.limiter != nil {
			// the token is taken only once a job is in hand, so empty polls cost nothing
			stop := w.keepLocked(procCtx, job.ID)
			if err := w.limiter.Wait(loopCtx); err != nil {
				log.DebugContext(procCtx, "rate limit wait interrupted, running claimed job", logger.JobID(job.ID))
			}
			stop()
		}

		out := w.execute(procCtx, job)
		w.rt.dispatch(procCtx, w, out)
	}
}

// throttle blocks until the rate limiter has a token, without taking it.
func (w *Worker) throttle(ctx context.Context) bool {
	if w.limiter == nil {
		return true
	}
	tokens := w.limiter.Tokens()
	if tokens >= 1 {
		return true
	}
	wait := time.Duration((1 - tokens) / float64(w.limiter.Limit()) * float64(time.Second))
	return sleep(ctx, wait)
}

func (w *Worker) execute(ctx context.Context, job *queue.Job) Outcome {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	defer w.processed.Add(1)

	ctx, span := w.rt.tracer.Start(ctx, "conveyor.job.process",
		trace.WithAttributes(
			attribute.String("conveyor.queue", job.Queue),
			attribute.String("conveyor.job.id", job.ID),
			attribute.String("conveyor.job.name", job.Name),
			attribute.Int("conveyor.job.attempt", job.AttemptsMade+1),
			attribute.Int("conveyor.job.max_attempts", job.MaxAttempts()),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	h := newHandle(w.queue, job)
	stop := w.keepLocked(ctx, job.ID)

	// ReadMemStats stops the world, so sampling is opt-in
	var before goruntime.MemStats
	if w.rt.memStats {
		goruntime.ReadMemStats(&before)
	}

	out := Outcome{Job: job, Started: time.Now()}
	out.Result, out.Panicked, out.Err = w.call(ctx, job, h)
	out.Finished = time.Now()

	if w.rt.memStats {
		var after goruntime.MemStats
		goruntime.ReadMemStats(&after)
		// process-wide allocation delta; concurrent slots inflate each other's figure
		if after.TotalAlloc > before.TotalAlloc {
			out.Memory = after.TotalAlloc - before.TotalAlloc
		}
	}
	stop()
	out.Cost, out.CPU = h.usage()

	if out.Err != nil {
		out.Kind = Failed
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	} else {
		out.Kind = Succeeded
		span.SetStatus(codes.Ok, "")
	}
	return out
}

// call runs the processor, turning a panic into an error for this attempt only.
func (w *Worker) call(ctx context.Context, job *queue.Job, h *Handle) (result any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.panics.Add(1)
			w.rt.logger.ErrorContext(ctx, "processor panicked",
				logger.Queue(job.Queue),
				logger.JobID(job.ID),
				slog.Any("panic", r),
				logger.Stack())
			result, panicked, err = nil, true, fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	result, err = w.processor.Process(ctx, job, h)
	return result, false, err
}

// keepLocked renews the claim lock at half the lock timeout while the job runs.
func (w *Worker) keepLocked(ctx context.Context, id string) (stop func()) {
	interval := w.rt.adapter.LockTimeout() / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.ExtendLock(ctx, id); err != nil {
					w.rt.logger.WarnContext(ctx, "failed to extend job lock",
						logger.Queue(w.queue.Name()),
						logger.JobID(id),
						logger.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
