package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dmitrymomot/conveyor/core/batch"
	"github.com/dmitrymomot/conveyor/core/deadletter"
	"github.com/dmitrymomot/conveyor/core/dependency"
	"github.com/dmitrymomot/conveyor/core/logger"
	"github.com/dmitrymomot/conveyor/core/metrics"
	"github.com/dmitrymomot/conveyor/core/queue"
	"github.com/dmitrymomot/conveyor/core/worker"
	"github.com/dmitrymomot/conveyor/pkg/ratelimiter"
)

// Registry is the composition root of the job system. It is built once at
// process start and passed to whatever needs to enqueue jobs or run workers.
type Registry struct {
	adapter    *queue.Adapter
	limiter    *ratelimiter.Limiter
	runtime    *worker.Runtime
	metrics    *metrics.Recorder
	deadLetter *deadletter.Manager
	deps       *dependency.Manager
	logger     *slog.Logger
	policies   map[Kind]Policy
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLimiter gates every typed add helper with per-user limits.
func WithLimiter(l *ratelimiter.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// WithRuntime sets the worker runtime used by StartWorkers.
func WithRuntime(rt *worker.Runtime) Option {
	return func(r *Registry) { r.runtime = rt }
}

// WithMetrics exposes metric queries through the registry.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = rec }
}

// WithDeadLetter exposes dead letter administration through the registry.
func WithDeadLetter(m *deadletter.Manager) Option {
	return func(r *Registry) { r.deadLetter = m }
}

// WithDependencies enables AddAfter and Chain.
func WithDependencies(m *dependency.Manager) Option {
	return func(r *Registry) { r.deps = m }
}

// WithPolicy overrides the policy of one kind.
func WithPolicy(kind Kind, p Policy) Option {
	return func(r *Registry) { r.policies[kind] = p }
}

// WithClock overrides the time source used for scheduled post delays.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a registry. Per-user limits of every kind are installed into the
// limiter when one is configured.
func New(adapter *queue.Adapter, opts ...Option) (*Registry, error) {
	if adapter == nil {
		return nil, ErrAdapterNil
	}

	r := &Registry{
		adapter:  adapter,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		policies: DefaultPolicies(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.limiter != nil {
		for _, kind := range Kinds() {
			p := r.policies[kind]
			if p.UserLimit.Max <= 0 || p.UserLimit.Window <= 0 {
				continue
			}
			if err := r.limiter.SetLimit(kind.Queue(), p.UserLimit); err != nil {
				return nil, fmt.Errorf("install %s rate limit: %w", kind, err)
			}
		}
	}
	return r, nil
}

// Adapter returns the underlying queue adapter.
func (r *Registry) Adapter() *queue.Adapter { return r.adapter }

// Policy returns the effective policy of a kind.
func (r *Registry) Policy(kind Kind) (Policy, bool) {
	p, ok := r.policies[kind]
	return p, ok
}

func (r *Registry) AddVideoProcessingJob(ctx context.Context, data VideoProcessingPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

func (r *Registry) AddContentGenerationJob(ctx context.Context, data ContentGenerationPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

func (r *Registry) AddEmailJob(ctx context.Context, data EmailPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

func (r *Registry) AddTranscriptGenerationJob(ctx context.Context, data TranscriptGenerationPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

func (r *Registry) AddSocialPostingJob(ctx context.Context, data SocialPostingPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

// AddScheduledPostJob delays the job until PublishAt. A publish time in the past runs now.
func (r *Registry) AddScheduledPostJob(ctx context.Context, data ScheduledPostPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

func (r *Registry) AddAnalyticsJob(ctx context.Context, data AnalyticsPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

func (r *Registry) AddFileProcessingJob(ctx context.Context, data FileProcessingPayload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	return r.Add(ctx, data, opts...)
}

// Add validates the payload, consumes one unit of the owner's rate limit and
// enqueues the job with the kind's policy. Caller options override the policy.
// A denied request returns *ratelimiter.ExceededError and never reaches the queue.
func (r *Registry) Add(ctx context.Context, data Payload, opts ...queue.EnqueueOption) (*queue.Job, error) {
	kind, err := r.admit(data)
	if err != nil {
		return nil, err
	}

	job, err := r.adapter.Add(ctx, kind.Queue(), string(kind), data, r.options(data, opts)...)
	if err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "job submitted",
		logger.Queue(job.Queue),
		logger.JobID(job.ID),
		logger.UserID(data.Owner()))
	return job, nil
}

// AddEmailBatch fans out one email job per payload. The batch counts as a
// single admission against the owner of the first payload.
func (r *Registry) AddEmailBatch(ctx context.Context, emails []EmailPayload, opts ...queue.EnqueueOption) ([]*queue.Job, error) {
	if len(emails) == 0 {
		return nil, batch.ErrNoItems
	}
	for _, e := range emails {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := r.admit(emails[0]); err != nil {
		return nil, err
	}
	return batch.AddBatch(ctx, r.adapter, KindEmail.Queue(), string(KindEmail), emails, r.options(emails[0], opts)...)
}

// AddFileProcessingBatch enqueues one file processing job carrying the files
// in chunks of batchSize. The processor receives batch.Payload[FileProcessingPayload].
func (r *Registry) AddFileProcessingBatch(ctx context.Context, files []FileProcessingPayload, batchSize int, opts ...queue.EnqueueOption) (*queue.Job, error) {
	if len(files) == 0 {
		return nil, batch.ErrNoItems
	}
	for _, f := range files {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := r.admit(files[0]); err != nil {
		return nil, err
	}
	return batch.CreateBatchJob(ctx, r.adapter, KindFileProcessing.Queue(), BatchJobName(KindFileProcessing), files, batchSize, r.options(files[0], opts)...)
}

// BatchJobName is the job name of chunked jobs of a kind.
func BatchJobName(kind Kind) string {
	return string(kind) + ":batch"
}

// AddAfter runs data once the parent job finishes.
// The rate limit is consumed at registration time.
func (r *Registry) AddAfter(ctx context.Context, parentQueue, parentJobID string, data Payload, opts ...queue.EnqueueOption) (dependency.Registration, error) {
	if r.deps == nil {
		return dependency.Registration{}, fmt.Errorf("%w: dependencies", ErrFeatureMissing)
	}
	spec, err := r.spec(data, opts)
	if err != nil {
		return dependency.Registration{}, err
	}
	return r.deps.RegisterDependent(ctx, parentJobID, parentQueue, spec)
}

// Chain runs the payloads one after another. Returns job ids in order.
// Every step is validated and the whole chain is admitted against the rate
// limits at once; a denied step consumes nothing for the others.
func (r *Registry) Chain(ctx context.Context, steps ...Payload) ([]string, error) {
	if r.deps == nil {
		return nil, fmt.Errorf("%w: dependencies", ErrFeatureMissing)
	}

	kinds := make([]Kind, 0, len(steps))
	for _, step := range steps {
		kind, err := check(step)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	if !r.adapter.Enabled() {
		return nil, queue.ErrBackendUnavailable
	}

	if r.limiter != nil {
		keys := make([]ratelimiter.Key, 0, len(steps))
		for i, step := range steps {
			if step.Owner() != "" {
				keys = append(keys, ratelimiter.Key{UserID: step.Owner(), Queue: kinds[i].Queue()})
			}
		}
		if err := r.limiter.AllowAll(keys...); err != nil {
			r.denied(err)
			return nil, err
		}
	}

	specs := make([]dependency.Spec, 0, len(steps))
	for i, step := range steps {
		spec, err := dependency.NewSpec(kinds[i].Queue(), string(kinds[i]), step, r.options(step, nil)...)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return r.deps.Chain(ctx, specs...)
}

func (r *Registry) spec(data Payload, opts []queue.EnqueueOption) (dependency.Spec, error) {
	kind, err := r.admit(data)
	if err != nil {
		return dependency.Spec{}, err
	}
	return dependency.NewSpec(kind.Queue(), string(kind), data, r.options(data, opts)...)
}

// admit validates data and consumes one unit of its owner's limit. Nothing is
// consumed while the queue backend is unavailable.
func (r *Registry) admit(data Payload) (Kind, error) {
	kind, err := check(data)
	if err != nil {
		return "", err
	}
	if !r.adapter.Enabled() {
		return "", queue.ErrBackendUnavailable
	}
	if r.limiter != nil && data.Owner() != "" {
		if _, err := r.limiter.Allow(data.Owner(), kind.Queue()); err != nil {
			r.denied(err)
			return "", err
		}
	}
	return kind, nil
}

func check(data Payload) (Kind, error) {
	if data == nil {
		return "", ErrInvalidPayload
	}
	kind := data.Kind()
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := data.Validate(); err != nil {
		return "", err
	}
	return kind, nil
}

func (r *Registry) denied(err error) {
	var exceeded *ratelimiter.ExceededError
	if errors.As(err, &exceeded) {
		r.logger.Info("job submission rate limited",
			logger.UserID(exceeded.UserID),
			logger.Queue(exceeded.Queue),
			slog.Time("reset_at", exceeded.ResetAt))
	}
}

func (r *Registry) options(data Payload, opts []queue.EnqueueOption) []queue.EnqueueOption {
	p := r.policies[data.Kind()]
	out := p.options()
	if sp, ok := data.(ScheduledPostPayload); ok {
		if d := sp.PublishAt.Sub(r.now()); d > 0 {
			out = append(out, queue.WithDelay(d))
		}
	}
	return append(out, opts...)
}
