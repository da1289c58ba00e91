package deadletter_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/conveyor/core/deadletter"
	"github.com/dmitrymomot/conveyor/core/queue"
)

type fixture struct {
	adapter *queue.Adapter
	store   *deadletter.MemoryStore
	manager *deadletter.Manager
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	a, err := queue.New(context.Background(), queue.NewMemoryBackend())
	require.NoError(t, err)

	f := &fixture{adapter: a, store: deadletter.NewMemoryStore(), now: time.Now()}
	f.manager, err = deadletter.NewManager(a, f.store, deadletter.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

// exhaust adds a single-attempt job and fails it once.
func (f *fixture) exhaust(t *testing.T, q, name string, data any, opts ...queue.EnqueueOption) *queue.Job {
	t.Helper()
	ctx := context.Background()
	h := f.adapter.Queue(q)

	_, err := h.Add(ctx, name, data, append([]queue.EnqueueOption{queue.WithAttempts(1)}, opts...)...)
	require.NoError(t, err)
	job, err := h.Claim(ctx)
	require.NoError(t, err)
	job, err = h.Fail(ctx, job, "processor exploded")
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, job.State)
	return job
}

func TestNewManager(t *testing.T) {
	t.Parallel()

	_, err := deadletter.NewManager(nil, deadletter.NewMemoryStore())
	assert.ErrorIs(t, err, deadletter.ErrQueuesNil)

	a, err := queue.New(context.Background(), queue.NewMemoryBackend())
	require.NoError(t, err)
	_, err = deadletter.NewManager(a, nil)
	assert.ErrorIs(t, err, deadletter.ErrStoreNil)
}

func TestManager_MoveToDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	job := f.exhaust(t, "video", "transcode", map[string]string{"video_id": "v1"})

	rec, err := f.manager.MoveToDeadLetter(ctx, "video", job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "video", rec.OriginalQueue)
	assert.Equal(t, job.ID, rec.OriginalJobID)
	assert.Equal(t, "transcode", rec.JobName)
	assert.Equal(t, "processor exploded", rec.FailedReason)
	assert.Equal(t, 1, rec.AttemptsMade)
	assert.False(t, rec.Retried)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, f.now.Add(deadletter.DefaultTTL), *rec.ExpiresAt)
	assert.JSONEq(t, `{"video_id":"v1"}`, string(rec.Data))

	// gone from the live queue
	_, err = f.adapter.GetJob(ctx, "video", job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	// second move cannot load the job any more
	_, err = f.manager.MoveToDeadLetter(ctx, "video", job.ID, "")
	assert.ErrorIs(t, err, deadletter.ErrMoveFailed)

	records, err := f.manager.List(ctx, deadletter.Filter{Queue: "video"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestManager_MoveIsIdempotentPerJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	job := f.exhaust(t, "email", "welcome", nil)

	// simulate a crash after the record write: upsert twice for the same job
	rec1, err := f.store.Upsert(ctx, &deadletter.Record{ID: "r1", OriginalQueue: "email", OriginalJobID: job.ID, MovedAt: f.now})
	require.NoError(t, err)

	rec2, err := f.manager.MoveToDeadLetter(ctx, "email", job.ID, "late")
	require.NoError(t, err)
	assert.Equal(t, rec1.ID, rec2.ID)
	assert.Equal(t, "late", rec2.FailedReason)

	records, err := f.manager.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestManager_Retry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	job := f.exhaust(t, "content", "generate", map[string]string{"prompt": "hi"})
	rec, err := f.manager.MoveToDeadLetter(ctx, "content", job.ID, "")
	require.NoError(t, err)

	retried, err := f.manager.Retry(ctx, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "content", retried.Queue)
	assert.Equal(t, "generate", retried.Name)
	assert.Equal(t, 1, retried.Options.Attempts)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(retried.Data))

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Retried)
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, retried.ID, got.RetryJobID)
	assert.Equal(t, "content", got.RetryQueue)

	_, err = f.manager.Retry(ctx, rec.ID, "")
	assert.ErrorIs(t, err, deadletter.ErrAlreadyRetried)

	counts, err := f.adapter.QueueStats(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestManager_RetriedJobFailingAgainGetsNewRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	job := f.exhaust(t, "billing", "charge", map[string]int{"amount": 10}, queue.WithJobID("charge-42"))
	first, err := f.manager.MoveToDeadLetter(ctx, "billing", job.ID, "card declined")
	require.NoError(t, err)
	_, err = f.manager.Retry(ctx, first.ID, "")
	require.NoError(t, err)

	// the caller re-submits the job under the same id and it fails again
	_, err = f.adapter.Queue("billing").Claim(ctx)
	require.NoError(t, err)
	again := f.exhaust(t, "billing", "charge", map[string]int{"amount": 10}, queue.WithJobID("charge-42"))
	require.Equal(t, "charge-42", again.ID)
	second, err := f.manager.MoveToDeadLetter(ctx, "billing", again.ID, "card expired")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, second.Retried)
	assert.Equal(t, "card expired", second.FailedReason)
	require.NotNil(t, second.ExpiresAt)

	old, err := f.manager.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Retried)
	assert.Equal(t, "card declined", old.FailedReason)

	records, err := f.manager.List(ctx, deadletter.Filter{Queue: "billing"})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = f.manager.Retry(ctx, second.ID, "")
	assert.NoError(t, err)
}

func TestManager_RetryLogsRecordBeforeEnqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var buf bytes.Buffer
	a, err := queue.New(ctx, queue.NewMemoryBackend())
	require.NoError(t, err)
	store := deadletter.NewMemoryStore()
	m, err := deadletter.NewManager(failingAdd{a}, store,
		deadletter.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, err)

	rec, err := store.Upsert(ctx, &deadletter.Record{ID: "r1", OriginalQueue: "email", OriginalJobID: "j1", JobName: "welcome", MovedAt: time.Now()})
	require.NoError(t, err)

	_, err = m.Retry(ctx, rec.ID, "")
	assert.ErrorIs(t, err, deadletter.ErrRetryFailed)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "record_id=r1")

	// the mark is rolled back so the record can be retried later
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Retried)
	assert.NotNil(t, got.ExpiresAt)
}

// failingAdd rejects every enqueue.
type failingAdd struct {
	*queue.Adapter
}

func (failingAdd) Add(context.Context, string, string, any, ...queue.EnqueueOption) (*queue.Job, error) {
	return nil, queue.ErrBackendUnavailable
}

func TestManager_RetryToOtherQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	job := f.exhaust(t, "social", "post", nil)
	rec, err := f.manager.MoveToDeadLetter(ctx, "social", job.ID, "")
	require.NoError(t, err)

	retried, err := f.manager.Retry(ctx, rec.ID, "social-manual")
	require.NoError(t, err)
	assert.Equal(t, "social-manual", retried.Queue)

	_, err = f.manager.Retry(ctx, "missing", "")
	assert.ErrorIs(t, err, deadletter.ErrRecordNotFound)
}

func TestManager_Cleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	old := f.exhaust(t, "q", "old", nil)
	oldRec, err := f.manager.MoveToDeadLetter(ctx, "q", old.ID, "")
	require.NoError(t, err)

	acted := f.exhaust(t, "q", "acted", nil)
	actedRec, err := f.manager.MoveToDeadLetter(ctx, "q", acted.ID, "")
	require.NoError(t, err)
	_, err = f.manager.Retry(ctx, actedRec.ID, "")
	require.NoError(t, err)

	f.now = f.now.Add(40 * 24 * time.Hour)
	fresh := f.exhaust(t, "q", "fresh", nil)
	_, err = f.manager.MoveToDeadLetter(ctx, "q", fresh.ID, "")
	require.NoError(t, err)

	_, err = f.manager.Cleanup(ctx, 0)
	assert.ErrorIs(t, err, deadletter.ErrInvalidRetention)

	n, err := f.manager.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.manager.Get(ctx, oldRec.ID)
	assert.ErrorIs(t, err, deadletter.ErrRecordNotFound)
	_, err = f.manager.Get(ctx, actedRec.ID)
	assert.NoError(t, err)
}

func TestManager_PurgeExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	job := f.exhaust(t, "q", "j", nil)
	_, err := f.manager.MoveToDeadLetter(ctx, "q", job.ID, "")
	require.NoError(t, err)

	n, err := f.manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(deadletter.DefaultTTL + time.Hour)
	n, err = f.manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestManager_Sweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.exhaust(t, "files", "a", nil)
	f.exhaust(t, "files", "b", nil)

	moved, err := f.manager.Sweep(ctx, "files")
	require.NoError(t, err)
	assert.Len(t, moved, 2)

	counts, err := f.adapter.QueueStats(ctx, "files")
	require.NoError(t, err)
	assert.Zero(t, counts.Failed)

	retried := false
	records, err := f.manager.List(ctx, deadletter.Filter{Queue: "files", Retried: &retried})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
