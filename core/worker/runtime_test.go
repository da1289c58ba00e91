package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dmitrymomot/conveyor/core/deadletter"
	"github.com/dmitrymomot/conveyor/core/dependency"
	"github.com/dmitrymomot/conveyor/core/metrics"
	"github.com/dmitrymomot/conveyor/core/queue"
	"github.com/dmitrymomot/conveyor/core/worker"
)

const waitFor = 2 * time.Second

type unreachableBackend struct {
	*queue.MemoryBackend
}

func (unreachableBackend) Ping(context.Context) error {
	return errors.New("connection refused")
}

type fixture struct {
	adapter  *queue.Adapter
	runtime  *worker.Runtime
	recorder *metrics.Recorder
	deps     *dependency.Manager
	dlq      *deadletter.Manager
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T, opts ...worker.Option) *fixture {
	t.Helper()

	a, err := queue.New(context.Background(), queue.NewMemoryBackend())
	require.NoError(t, err)

	rec, err := metrics.NewRecorder(metrics.NewMemoryStore())
	require.NoError(t, err)
	deps, err := dependency.NewManager(a, dependency.NewMemoryStore())
	require.NoError(t, err)
	dlq, err := deadletter.NewManager(a, deadletter.NewMemoryStore())
	require.NoError(t, err)

	spans := tracetest.NewSpanRecorder()
	rt, err := worker.NewRuntime(a,
		append([]worker.Option{
			worker.WithPollInterval(5 * time.Millisecond),
			worker.WithShutdownTimeout(time.Second),
			worker.WithMetrics(rec),
			worker.WithDependencies(deps),
			worker.WithDeadLetter(dlq),
			worker.WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
		}, opts...)...,
	)
	require.NoError(t, err)

	return &fixture{adapter: a, runtime: rt, recorder: rec, deps: deps, dlq: dlq, spans: spans}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runtime.Run(ctx)() }()

	require.Eventually(t, func() bool { return f.runtime.Stats().IsRunning }, waitFor, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func (f *fixture) waitState(t *testing.T, q, id string, state queue.State) *queue.Job {
	t.Helper()

	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := f.adapter.GetJob(context.Background(), q, id)
		if err != nil {
			return false
		}
		job = j
		return j.State == state
	}, waitFor, 5*time.Millisecond)
	return job
}

func TestNewRuntime(t *testing.T) {
	t.Parallel()

	_, err := worker.NewRuntime(nil)
	assert.ErrorIs(t, err, worker.ErrAdapterNil)
}

func TestRuntime_CreateWorker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	noop := worker.ProcessorFunc(func(context.Context, *queue.Job, *worker.Handle) (any, error) { return nil, nil })

	_, err := f.runtime.CreateWorker("", noop)
	assert.ErrorIs(t, err, worker.ErrQueueNameEmpty)
	_, err = f.runtime.CreateWorker("email", nil)
	assert.ErrorIs(t, err, worker.ErrProcessorNil)

	w1, err := f.runtime.CreateWorker("email", noop, worker.WithConcurrency(4), worker.WithRateLimitPerMinute(200))
	require.NoError(t, err)
	w2, err := f.runtime.CreateWorker("email", noop, worker.WithConcurrency(1))
	require.NoError(t, err)
	assert.Same(t, w1, w2, "re-registering returns the existing worker")

	stats := w1.Stats()
	assert.Equal(t, "email", stats.Queue)
	assert.Equal(t, 4, stats.Concurrency)
	assert.Equal(t, 200, stats.RateLimitPerMinute)
	assert.Equal(t, []string{"email"}, f.runtime.Queues())
}

func TestRuntime_CreateWorker_BackendUnavailable(t *testing.T) {
	t.Parallel()

	a, err := queue.New(context.Background(), unreachableBackend{queue.NewMemoryBackend()})
	require.NoError(t, err)
	rt, err := worker.NewRuntime(a)
	require.NoError(t, err)

	_, err = rt.CreateWorker("video", worker.ProcessorFunc(func(context.Context, *queue.Job, *worker.Handle) (any, error) {
		return nil, nil
	}))
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)
	assert.ErrorIs(t, rt.Start(context.Background()), queue.ErrBackendUnavailable)
	assert.ErrorIs(t, rt.Healthcheck(context.Background()), worker.ErrHealthcheckFailed)
}

func TestRuntime_Success(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.runtime.CreateWorker("video", worker.ProcessorFunc(func(ctx context.Context, job *queue.Job, h *worker.Handle) (any, error) {
		assert.NoError(t, h.UpdateProgress(ctx, 50))
		h.ReportCost(0.25)
		h.ReportCPU(0.5)
		return map[string]string{"status": "done"}, nil
	}))
	require.NoError(t, err)

	parent, err := f.adapter.Add(ctx, "video", "transcode", map[string]string{"user_id": "u1"})
	require.NoError(t, err)
	spec, err := dependency.NewSpec("email", "notify", map[string]string{"video": parent.ID})
	require.NoError(t, err)
	reg, err := f.deps.RegisterDependent(ctx, parent.ID, "video", spec)
	require.NoError(t, err)

	f.run(t)

	job := f.waitState(t, "video", parent.ID, queue.StateCompleted)
	assert.JSONEq(t, `{"status":"done"}`, string(job.Result))
	assert.Equal(t, 100, job.Progress)

	assert.Eventually(t, func() bool {
		_, err := f.adapter.GetJob(ctx, "email", reg.JobID)
		return err == nil
	}, waitFor, 5*time.Millisecond, "dependent fired after parent completion")

	f.recorder.Wait()
	stats, err := f.recorder.UserStats(ctx, "u1", metrics.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.InDelta(t, 0.25, stats.TotalCost, 1e-9)

	w, ok := f.runtime.Worker("video")
	require.True(t, ok)
	assert.Equal(t, int64(1), w.Stats().Succeeded)
}

func TestRuntime_PriorityOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	var (
		mu    sync.Mutex
		order []string
	)
	_, err := f.runtime.CreateWorker("content", worker.ProcessorFunc(func(_ context.Context, job *queue.Job, _ *worker.Handle) (any, error) {
		mu.Lock()
		order = append(order, job.Name)
		mu.Unlock()
		return nil, nil
	}), worker.WithConcurrency(1))
	require.NoError(t, err)

	_, err = f.adapter.Add(ctx, "content", "A", nil, queue.WithPriority(0))
	require.NoError(t, err)
	_, err = f.adapter.Add(ctx, "content", "B", nil, queue.WithPriority(10))
	require.NoError(t, err)

	f.run(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "A"}, order)
}

func TestRuntime_ExhaustedJobMovesToDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.runtime.CreateWorker("social", worker.ProcessorFunc(func(context.Context, *queue.Job, *worker.Handle) (any, error) {
		return nil, errors.New("platform rejected post")
	}))
	require.NoError(t, err)

	j1, err := f.adapter.Add(ctx, "social", "post", map[string]string{"post_id": "p1"}, queue.WithAttempts(1))
	require.NoError(t, err)

	f.run(t)

	var rec *deadletter.Record
	require.Eventually(t, func() bool {
		recs, err := f.dlq.List(ctx, deadletter.Filter{Queue: "social"})
		if err != nil || len(recs) != 1 {
			return false
		}
		rec = recs[0]
		return true
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, j1.ID, rec.OriginalJobID)
	assert.Equal(t, 1, rec.AttemptsMade)
	assert.False(t, rec.Retried)
	assert.Equal(t, "platform rejected post", rec.FailedReason)

	require.Eventually(t, func() bool {
		_, err := f.adapter.GetJob(ctx, "social", j1.ID)
		return errors.Is(err, queue.ErrJobNotFound)
	}, waitFor, 5*time.Millisecond, "job left the live queue")

	retried, err := f.dlq.Retry(ctx, rec.ID, "social-retry")
	require.NoError(t, err)
	assert.Equal(t, "social-retry", retried.Queue)

	rec, err = f.dlq.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, rec.Retried)

	w, _ := f.runtime.Worker("social")
	assert.Eventually(t, func() bool { return w.Stats().DeadLettered == 1 }, waitFor, 5*time.Millisecond)
}

func TestRuntime_RetryWithBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	var calls sync.Map
	_, err := f.runtime.CreateWorker("email", worker.ProcessorFunc(func(_ context.Context, job *queue.Job, _ *worker.Handle) (any, error) {
		if _, seen := calls.LoadOrStore(job.ID, true); !seen {
			return nil, errors.New("smtp timeout")
		}
		return "sent", nil
	}))
	require.NoError(t, err)

	job, err := f.adapter.Add(ctx, "email", "send", nil,
		queue.WithAttempts(2),
		queue.WithBackoff(queue.BackoffFixed, 20*time.Millisecond))
	require.NoError(t, err)

	f.run(t)

	done := f.waitState(t, "email", job.ID, queue.StateCompleted)
	assert.Equal(t, 1, done.AttemptsMade)

	w, _ := f.runtime.Worker("email")
	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Retried)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Zero(t, stats.Failed)
}

func TestRuntime_PanicFailsOnlyThatAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.runtime.CreateWorker("files", worker.ProcessorFunc(func(_ context.Context, job *queue.Job, _ *worker.Handle) (any, error) {
		if job.Name == "bad" {
			panic("nil map write")
		}
		return nil, nil
	}))
	require.NoError(t, err)

	bad, err := f.adapter.Add(ctx, "files", "bad", nil, queue.WithAttempts(1), queue.WithPriority(5))
	require.NoError(t, err)
	good, err := f.adapter.Add(ctx, "files", "good", nil)
	require.NoError(t, err)

	f.run(t)

	f.waitState(t, "files", good.ID, queue.StateCompleted)
	require.Eventually(t, func() bool {
		_, err := f.adapter.GetJob(ctx, "files", bad.ID)
		return errors.Is(err, queue.ErrJobNotFound)
	}, waitFor, 5*time.Millisecond)

	recs, err := f.dlq.List(ctx, deadletter.Filter{Queue: "files"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].FailedReason, "processor panicked")

	w, _ := f.runtime.Worker("files")
	assert.Equal(t, int64(1), w.Stats().Panics)
}

func TestRuntime_Tracing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.runtime.CreateWorker("analytics", worker.ProcessorFunc(func(context.Context, *queue.Job, *worker.Handle) (any, error) {
		return nil, errors.New("warehouse offline")
	}))
	require.NoError(t, err)

	job, err := f.adapter.Add(ctx, "analytics", "rollup", nil, queue.WithAttempts(1))
	require.NoError(t, err)

	f.run(t)

	require.Eventually(t, func() bool { return len(f.spans.Ended()) == 1 }, waitFor, 5*time.Millisecond)
	span := f.spans.Ended()[0]
	assert.Equal(t, "conveyor.job.process", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("conveyor.job.id", job.ID))
	assert.Contains(t, span.Attributes(), attribute.String("conveyor.queue", "analytics"))
	assert.Contains(t, span.Attributes(), attribute.Int("conveyor.job.attempt", 1))
}

func TestRuntime_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.ErrorIs(t, f.runtime.Stop(), worker.ErrRuntimeNotStarted)
	assert.ErrorIs(t, f.runtime.Healthcheck(context.Background()), worker.ErrRuntimeNotStarted)

	f.run(t)

	assert.NoError(t, f.runtime.Healthcheck(context.Background()))
	assert.ErrorIs(t, f.runtime.Start(context.Background()), worker.ErrRuntimeStarted)

	// a worker registered while running starts right away
	_, err := f.runtime.CreateWorker("late", worker.ProcessorFunc(func(context.Context, *queue.Job, *worker.Handle) (any, error) {
		return nil, nil
	}))
	require.NoError(t, err)
	job, err := f.adapter.Add(context.Background(), "late", "noop", nil)
	require.NoError(t, err)
	f.waitState(t, "late", job.ID, queue.StateCompleted)
}
