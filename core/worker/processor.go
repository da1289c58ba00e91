package worker

import (
	"context"

	"github.com/dmitrymomot/conveyor/core/queue"
)

// Processor executes jobs of one queue.
// The returned value is stored as the job result. Returning an error fails the
// attempt; the job is retried with backoff until its attempt budget is spent.
type Processor interface {
	Process(ctx context.Context, job *queue.Job, h *Handle) (any, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *queue.Job, h *Handle) (any, error)

func (f ProcessorFunc) Process(ctx context.Context, job *queue.Job, h *Handle) (any, error) {
	return f(ctx, job, h)
}
