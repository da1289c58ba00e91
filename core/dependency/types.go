package dependency

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrymomot/conveyor/core/queue"
)

const (
	// DefaultRetention is how long resolved dependencies are kept.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultReconcileGrace is how old a pending dependency must be before
	// Reconcile looks at it.
	DefaultReconcileGrace = time.Minute
	// ReconcileBatch caps the pending dependencies one Reconcile call checks.
	ReconcileBatch = 500
)

// Status of a dependency. Transitions out of pending happen once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FailurePolicy decides what happens to dependents of a parent that failed for good.
type FailurePolicy int

const (
	// FireOnFailure enqueues dependents whether the parent succeeded or not,
	// so they never hang waiting for a parent that will not complete.
	FireOnFailure FailurePolicy = iota
	// CancelOnFailure marks dependents failed without enqueueing them.
	CancelOnFailure
)

// Spec describes the job to enqueue once the parent completes.
type Spec struct {
	Queue   string          `json:"queue" bson:"queue"`
	Name    string          `json:"name" bson:"name"`
	Data    json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	Options queue.Options   `json:"options" bson:"options"`
}

// NewSpec builds a Spec, marshaling data to JSON.
// Options only override adapter defaults where they are set.
func NewSpec(queueName, name string, data any, opts ...queue.EnqueueOption) (Spec, error) {
	if queueName == "" || name == "" {
		return Spec{}, fmt.Errorf("%w: queue and name are required", ErrInvalidSpec)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	var o queue.Options
	for _, opt := range opts {
		opt(&o)
	}

	return Spec{Queue: queueName, Name: name, Data: raw, Options: o}, nil
}

// Dependency links a pending dependent job to its parent.
type Dependency struct {
	ID             string     `json:"id" bson:"_id"`
	ParentJobID    string     `json:"parent_job_id" bson:"parent_job_id"`
	ParentQueue    string     `json:"parent_queue" bson:"parent_queue"`
	Dependent      Spec       `json:"dependent" bson:"dependent"`
	DependentJobID string     `json:"dependent_job_id" bson:"dependent_job_id"`
	Status         Status     `json:"status" bson:"status"`
	Error          string     `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// Clone returns a deep copy.
func (d *Dependency) Clone() *Dependency {
	if d == nil {
		return nil
	}
	c := *d
	if d.Dependent.Data != nil {
		c.Dependent.Data = append(json.RawMessage(nil), d.Dependent.Data...)
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Registration is the result of RegisterDependent.
type Registration struct {
	// Started is true when the parent had already completed and the dependent was enqueued.
	Started bool
	// DependencyID is empty when Started is true.
	DependencyID string
	// JobID is the id the dependent job has or will have.
	JobID string
}

// Summary reports what Resolve or Reconcile did.
type Summary struct {
	Fired     int
	Cancelled int
	Skipped   int // Settled by a concurrent resolver first
	Errors    int
}

func (s *Summary) add(o outcome) {
	switch o {
	case outcomeFired:
		s.Fired++
	case outcomeCancelled:
		s.Cancelled++
	case outcomeSkipped:
		s.Skipped++
	}
}

// outcome of resolving a single dependency.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeFired
	outcomeCancelled
	outcomeSkipped
)

// Transition describes a one-way status change of a pending dependency.
type Transition struct {
	To          Status
	Error       string
	CompletedAt time.Time
	ExpiresAt   time.Time
}
