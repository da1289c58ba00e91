// Package batch submits many items to a queue, either as one job per item or as
// a single job carrying ordered chunks of items.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrymomot/conveyor/core/queue"
)

// DefaultBatchSize is used when a non-positive batch size is requested.
const DefaultBatchSize = 10

var ErrNoItems = errors.New("batch has no items")

// Enqueuer adds jobs. *queue.Adapter satisfies it.
type Enqueuer interface {
	Add(ctx context.Context, queue, name string, data any, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// Payload is the data of a job created by CreateBatchJob.
type Payload[T any] struct {
	Batches    [][]T `json:"batches"`
	TotalItems int   `json:"totalItems"`
	BatchCount int   `json:"batchCount"`
}

// AddBatch enqueues one job per item with the same options.
// On failure the jobs created so far are returned with the error.
func AddBatch[T any](ctx context.Context, enq Enqueuer, queueName, name string, items []T, opts ...queue.EnqueueOption) ([]*queue.Job, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	jobs := make([]*queue.Job, 0, len(items))
	for i, item := range items {
		job, err := enq.Add(ctx, queueName, name, item, opts...)
		if err != nil {
			return jobs, fmt.Errorf("add item %d of %d to %q: %w", i+1, len(items), queueName, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CreateBatchJob enqueues a single job whose payload holds items split into
// ordered chunks of batchSize. batchSize <= 0 uses DefaultBatchSize.
func CreateBatchJob[T any](ctx context.Context, enq Enqueuer, queueName, name string, items []T, batchSize int, opts ...queue.EnqueueOption) (*queue.Job, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	batches := Split(items, batchSize)
	job, err := enq.Add(ctx, queueName, name, Payload[T]{
		Batches:    batches,
		TotalItems: len(items),
		BatchCount: len(batches),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("add batch job to %q: %w", queueName, err)
	}
	return job, nil
}

// Split partitions items into ceil(len/size) chunks preserving order.
// The chunks share the backing array of items.
func Split[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}
