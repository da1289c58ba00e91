package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/conveyor/core/logger"
	"github.com/dmitrymomot/conveyor/pkg/async"
)

const (
	DefaultMaxInFlight     = 64
	DefaultShutdownTimeout = 10 * time.Second
)

// RecorderStats provides observability of the recorder itself.
type RecorderStats struct {
	Recorded int64
	Dropped  int64
	Errors   int64
}

// Recorder writes metric records in the background and answers aggregate queries.
// Write failures are logged and counted; they never reach the caller.
type Recorder struct {
	store           Store
	logger          *slog.Logger
	ttl             time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
	group           *async.Group

	recorded atomic.Int64
	dropped  atomic.Int64
	errors   atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTTL sets how long records are kept.
func WithTTL(ttl time.Duration) Option {
	return func(r *Recorder) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxInFlight caps concurrent background writes.
func WithMaxInFlight(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.group = async.NewGroup(n)
		}
	}
}

// WithShutdownTimeout sets how long Close waits for pending writes.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder creates a metrics recorder.
func NewRecorder(store Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	r := &Recorder{
		store:           store,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		ttl:             DefaultTTL,
		shutdownTimeout: DefaultShutdownTimeout,
		now:             time.Now,
		group:           async.NewGroup(DefaultMaxInFlight),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record stores rec in the background. Missing ID, Timestamp and ExpiresAt are filled in.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.Timestamp.Add(r.ttl)
	}

	f := r.group.Go(ctx, func(ctx context.Context) error {
		if err := r.store.Insert(ctx, &rec); err != nil {
			r.errors.Add(1)
			r.logger.WarnContext(ctx, "failed to record job metrics",
				logger.Queue(rec.Queue),
				logger.JobID(rec.JobID),
				logger.Error(err))
			return err
		}
		r.recorded.Add(1)
		return nil
	})

	// a future resolved synchronously means the write was never scheduled
	if f.IsComplete() {
		if err := f.Await(); errors.Is(err, async.ErrGroupClosed) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			r.dropped.Add(1)
			r.logger.DebugContext(ctx, "job metrics dropped",
				logger.Queue(rec.Queue),
				logger.JobID(rec.JobID),
				logger.Error(err))
		}
	}
}

// Wait blocks until every scheduled write finished.
func (r *Recorder) Wait() {
	r.group.Wait()
}

// Close stops accepting records and flushes pending writes.
func (r *Recorder) Close() error {
	if err := r.group.Close(r.shutdownTimeout); err != nil {
		return fmt.Errorf("flush metrics: %w", err)
	}
	return nil
}

// QueueStats aggregates records of a queue within tr.
func (r *Recorder) QueueStats(ctx context.Context, queue string, tr TimeRange) (Stats, error) {
	if queue == "" {
		return Stats{}, ErrQueueEmpty
	}
	return r.stats(ctx, Filter{Queue: queue, Range: tr})
}

// UserStats aggregates records attributed to a user within tr.
func (r *Recorder) UserStats(ctx context.Context, userID string, tr TimeRange) (Stats, error) {
	if userID == "" {
		return Stats{}, ErrUserEmpty
	}
	return r.stats(ctx, Filter{UserID: userID, Range: tr})
}

// Find returns raw records matching the filter.
func (r *Recorder) Find(ctx context.Context, filter Filter) ([]*Record, error) {
	if err := filter.Range.validate(); err != nil {
		return nil, err
	}
	return r.store.Find(ctx, filter)
}

// Stats returns recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Errors:   r.errors.Load(),
	}
}

func (r *Recorder) stats(ctx context.Context, filter Filter) (Stats, error) {
	records, err := r.Find(ctx, filter)
	if err != nil {
		return Stats{}, fmt.Errorf("query metrics: %w", err)
	}
	return Aggregate(records), nil
}
