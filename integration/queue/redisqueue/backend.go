package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/conveyor/core/queue"
)

// DefaultPrefix namespaces every key written by the backend.
const DefaultPrefix = "cq"

// Backend implements queue.Backend on Redis.
// Each state transition runs as a single Lua script, so a job is claimed by at
// most one worker across processes.
type Backend struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a Redis-backed queue backend.
func New(rdb redis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{
		rdb:    rdb,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ queue.Backend = (*Backend)(nil)

// Ping verifies Redis connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if b.rdb == nil {
		return queue.ErrBackendNil
	}
	return b.rdb.Ping(ctx).Err()
}

// Add stores a new job.
func (b *Backend) Add(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return queue.ErrJobNil
	}

	fields, err := encodeJob(job)
	if err != nil {
		return err
	}

	k := keysFor(b.prefix, job.Queue)
	args := append([]any{
		job.ID,
		job.State.String(),
		strconv.Itoa(job.Options.Priority),
		millis(job.RunAt),
	}, fields...)

	code, err := addScript.Run(ctx, b.rdb, []string{k.Job(job.ID), k.Waiting, k.Delayed, k.Seq}, args...).Int()
	if err != nil {
		return fmt.Errorf("add job %s: %w", job.ID, err)
	}
	return codeErr(code, job.ID)
}

// Get loads a job.
func (b *Backend) Get(ctx context.Context, q, id string) (*queue.Job, error) {
	k := keysFor(b.prefix, q)
	fields, err := b.rdb.HGetAll(ctx, k.Job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(fields)
}

// Claim moves the best waiting job to active.
func (b *Backend) Claim(ctx context.Context, q string, lockFor time.Duration) (*queue.Job, error) {
	k := keysFor(b.prefix, q)
	now := b.now()

	id, err := claimScript.Run(ctx, b.rdb,
		[]string{k.Waiting, k.Delayed, k.Active, k.Seq},
		millis(now), millis(now.Add(lockFor)), k.JobPrefix,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job from %q: %w", q, err)
	}

	return b.Get(ctx, q, id)
}

// Complete marks an active job completed.
func (b *Backend) Complete(ctx context.Context, q, id string, result []byte) (*queue.Job, error) {
	k := keysFor(b.prefix, q)
	code, err := completeScript.Run(ctx, b.rdb,
		[]string{k.Job(id), k.Active, k.Completed},
		id, millis(b.now()), string(result),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}
	if err := codeErr(code, id); err != nil {
		return nil, err
	}
	return b.Get(ctx, q, id)
}

// Fail records a failed attempt.
func (b *Backend) Fail(ctx context.Context, q, id, reason string, retryAt *time.Time) (*queue.Job, error) {
	k := keysFor(b.prefix, q)
	code, err := failScript.Run(ctx, b.rdb,
		[]string{k.Job(id), k.Active, k.Delayed, k.Failed},
		id, millis(b.now()), reason, formatMillis(retryAt),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	if err := codeErr(code, id); err != nil {
		return nil, err
	}
	return b.Get(ctx, q, id)
}

// Retry moves a job back to waiting.
func (b *Backend) Retry(ctx context.Context, q, id string) (*queue.Job, error) {
	k := keysFor(b.prefix, q)
	code, err := retryScript.Run(ctx, b.rdb,
		[]string{k.Job(id), k.Waiting, k.Delayed, k.Active, k.Completed, k.Failed, k.Seq},
		id, millis(b.now()),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	if err := codeErr(code, id); err != nil {
		return nil, err
	}
	return b.Get(ctx, q, id)
}

// Cancel removes a job unless it is active.
func (b *Backend) Cancel(ctx context.Context, q, id string) error {
	return b.remove(ctx, q, id, true)
}

// Remove deletes a job in any state.
func (b *Backend) Remove(ctx context.Context, q, id string) error {
	return b.remove(ctx, q, id, false)
}

func (b *Backend) remove(ctx context.Context, q, id string, guardActive bool) error {
	k := keysFor(b.prefix, q)
	guard := "0"
	if guardActive {
		guard = "1"
	}
	code, err := removeScript.Run(ctx, b.rdb,
		[]string{k.Job(id), k.Waiting, k.Delayed, k.Active, k.Completed, k.Failed},
		id, guard,
	).Int()
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return codeErr(code, id)
}

// List returns jobs in a state. Finished jobs are listed newest first.
func (b *Backend) List(ctx context.Context, q string, state queue.State, offset, limit int) ([]*queue.Job, error) {
	if !state.Valid() {
		return nil, queue.ErrInvalidState
	}
	if err := b.promote(ctx, q); err != nil {
		return nil, err
	}

	k := keysFor(b.prefix, q)
	key := k.stateKey(state)

	start := int64(max(offset, 0))
	stop := int64(-1)
	if limit > 0 {
		stop = start + int64(limit) - 1
	}

	var (
		ids []string
		err error
	)
	if state == queue.StateCompleted || state == queue.StateFailed {
		ids, err = b.rdb.ZRevRange(ctx, key, start, stop).Result()
	} else {
		ids, err = b.rdb.ZRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list %s jobs of %q: %w", state, q, err)
	}

	return b.loadMany(ctx, k, ids)
}

// Counts returns per-state cardinalities.
func (b *Backend) Counts(ctx context.Context, q string) (queue.Counts, error) {
	if err := b.promote(ctx, q); err != nil {
		return queue.Counts{}, err
	}

	k := keysFor(b.prefix, q)
	var waiting, active, delayed, completed, failed *redis.IntCmd
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, k.Waiting)
		active = pipe.ZCard(ctx, k.Active)
		delayed = pipe.ZCard(ctx, k.Delayed)
		completed = pipe.ZCard(ctx, k.Completed)
		failed = pipe.ZCard(ctx, k.Failed)
		return nil
	})
	if err != nil {
		return queue.Counts{}, fmt.Errorf("count jobs of %q: %w", q, err)
	}

	return queue.Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// UpdateProgress stores progress of an active job.
func (b *Backend) UpdateProgress(ctx context.Context, q, id string, progress int) error {
	return b.touchActive(ctx, q, id, "progress", strconv.Itoa(progress))
}

// ExtendLock pushes the lock expiry of an active job.
func (b *Backend) ExtendLock(ctx context.Context, q, id string, lockFor time.Duration) error {
	return b.touchActive(ctx, q, id, "locked_until", millis(b.now().Add(lockFor)))
}

func (b *Backend) touchActive(ctx context.Context, q, id, field, value string) error {
	k := keysFor(b.prefix, q)
	code, err := touchActiveScript.Run(ctx, b.rdb, []string{k.Job(id), k.Active}, id, field, value).Int()
	if err != nil {
		return fmt.Errorf("update %s of job %s: %w", field, id, err)
	}
	return codeErr(code, id)
}

// RecoverStalled returns active jobs with expired locks to waiting.
func (b *Backend) RecoverStalled(ctx context.Context, q string) (int, error) {
	k := keysFor(b.prefix, q)
	n, err := recoverScript.Run(ctx, b.rdb,
		[]string{k.Waiting, k.Active, k.Seq},
		millis(b.now()), k.JobPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs of %q: %w", q, err)
	}
	return n, nil
}

// Trim enforces retention on finished jobs.
func (b *Backend) Trim(ctx context.Context, q string, r queue.Retention) (int, error) {
	k := keysFor(b.prefix, q)
	now := b.now()

	completedCutoff, failedCutoff := "", ""
	if r.CompletedAge > 0 {
		completedCutoff = millis(now.Add(-r.CompletedAge))
	}
	if r.FailedAge > 0 {
		failedCutoff = millis(now.Add(-r.FailedAge))
	}

	n, err := trimScript.Run(ctx, b.rdb,
		[]string{k.Completed, k.Failed},
		completedCutoff, strconv.Itoa(r.CompletedCount), failedCutoff, k.JobPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("trim jobs of %q: %w", q, err)
	}
	return n, nil
}

func (b *Backend) promote(ctx context.Context, q string) error {
	k := keysFor(b.prefix, q)
	if err := promoteScript.Run(ctx, b.rdb,
		[]string{k.Waiting, k.Delayed, k.Seq},
		millis(b.now()), k.JobPrefix,
	).Err(); err != nil {
		return fmt.Errorf("promote delayed jobs of %q: %w", q, err)
	}
	return nil
}

func (b *Backend) loadMany(ctx context.Context, k keys, ids []string) ([]*queue.Job, error) {
	if len(ids) == 0 {
		return []*queue.Job{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, k.Job(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(ids))
	for _, cmd := range cmds {
		job, err := decodeJob(cmd.Val())
		if errors.Is(err, queue.ErrJobNotFound) {
			// removed between index read and load
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (k keys) stateKey(state queue.State) string {
	switch state {
	case queue.StateWaiting:
		return k.Waiting
	case queue.StateActive:
		return k.Active
	case queue.StateDelayed:
		return k.Delayed
	case queue.StateCompleted:
		return k.Completed
	default:
		return k.Failed
	}
}

func codeErr(code int, id string) error {
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return queue.ErrJobNotFound
	case codeActive:
		return queue.ErrJobActive
	case codeNotActive:
		return queue.ErrJobNotActive
	case codeDuplicate:
		return fmt.Errorf("%w: %s", queue.ErrDuplicateJob, id)
	default:
		return fmt.Errorf("unexpected script result %d for job %s", code, id)
	}
}
