package queue

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job inside the live queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// AllStates lists every job state in a stable order.
var AllStates = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState converts a raw string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", ErrInvalidState
	}
	return st, nil
}

// Job is a unit of asynchronous work stored in a queue.
// The backend owns the job for its lifetime; callers always receive copies.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Options      Options         `json:"options"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	Progress     int             `json:"progress"`
	FailedReason string          `json:"failed_reason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	RunAt        time.Time       `json:"run_at"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// MaxAttempts returns the configured attempt budget of the job.
func (j *Job) MaxAttempts() int {
	return j.Options.Attempts
}

// Exhausted reports whether the job has used its whole attempt budget.
func (j *Job) Exhausted() bool {
	return j.AttemptsMade >= j.Options.Attempts
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Data = cloneBytes(j.Data)
	c.Result = cloneBytes(j.Result)
	c.LockedUntil = cloneTime(j.LockedUntil)
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

// Counts holds the number of jobs per state for a single queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total returns the number of jobs across all states.
func (c Counts) Total() int64 {
	return c.Waiting + c.Active + c.Delayed + c.Completed + c.Failed
}

// Retention controls how long finished jobs stay in the live queue.
type Retention struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
}

// DefaultRetention keeps completed jobs briefly for status queries and failed
// jobs longer so dead-letter sweeping can pick up stragglers.
func DefaultRetention() Retention {
	return Retention{
		CompletedAge:   24 * time.Hour,
		CompletedCount: 1000,
		FailedAge:      7 * 24 * time.Hour,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
