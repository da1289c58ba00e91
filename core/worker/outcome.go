package worker

import (
	"time"

	"github.com/dmitrymomot/conveyor/core/queue"
)

// OutcomeKind classifies a finished attempt.
type OutcomeKind int

const (
	// Succeeded means the processor returned without error.
	Succeeded OutcomeKind = iota
	// Failed means the processor returned an error or panicked.
	Failed
)

func (k OutcomeKind) String() string {
	if k == Succeeded {
		return "succeeded"
	}
	return "failed"
}

// Outcome is the result of one execution slot iteration. The runtime
// dispatches it to the queue, metrics, dependency and dead letter handlers.
type Outcome struct {
	Kind     OutcomeKind
	Job      *queue.Job
	Result   any
	Err      error
	Panicked bool
	Started  time.Time
	Finished time.Time
	Memory   uint64
	CPU      float64
	Cost     float64
}

// Duration is the wall time of the attempt.
func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// Reason is the failure text stored on the job.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
