package queue

import "time"

const (
	// MaxPriority is the highest accepted job priority. Higher values are claimed first.
	MaxPriority = 1000
	// DefaultAttempts is the attempt budget applied when none is configured.
	DefaultAttempts = 3
)

// Options are the per-job scheduling parameters.
type Options struct {
	JobID    string        `json:"job_id,omitempty"`
	Priority int           `json:"priority"`
	Delay    time.Duration `json:"delay,omitempty"`
	Attempts int           `json:"attempts"`
	Backoff  Backoff       `json:"backoff"`
}

// DefaultOptions returns the options applied to every job unless overridden.
func DefaultOptions() Options {
	return Options{
		Attempts: DefaultAttempts,
		Backoff: Backoff{
			Type:  BackoffExponential,
			Delay: DefaultBackoffDelay,
		},
	}
}

func (o Options) validate() error {
	if o.Priority < 0 || o.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if o.Attempts < 1 {
		return ErrInvalidAttempts
	}
	return nil
}

// EnqueueOption configures a single job at submission time.
type EnqueueOption func(*Options)

// WithPriority sets the job priority (0..MaxPriority, higher runs first).
func WithPriority(priority int) EnqueueOption {
	return func(o *Options) {
		o.Priority = priority
	}
}

// WithDelay postpones the first attempt.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *Options) {
		if delay > 0 {
			o.Delay = delay
		}
	}
}

// WithRunAt postpones the first attempt until the given time.
func WithRunAt(at time.Time) EnqueueOption {
	return func(o *Options) {
		if d := time.Until(at); d > 0 {
			o.Delay = d
		}
	}
}

// WithAttempts sets the maximum number of attempts.
func WithAttempts(attempts int) EnqueueOption {
	return func(o *Options) {
		o.Attempts = attempts
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(typ BackoffType, delay time.Duration) EnqueueOption {
	return func(o *Options) {
		o.Backoff = Backoff{Type: typ, Delay: delay}
	}
}

// WithJobID pre-assigns the job identifier. Adding a second job with the same
// id to the same queue fails with ErrDuplicateJob.
func WithJobID(id string) EnqueueOption {
	return func(o *Options) {
		o.JobID = id
	}
}

// WithOptions replaces every non-zero field with the given options.
func WithOptions(opts Options) EnqueueOption {
	return func(o *Options) {
		if opts.JobID != "" {
			o.JobID = opts.JobID
		}
		if opts.Priority != 0 {
			o.Priority = opts.Priority
		}
		if opts.Delay > 0 {
			o.Delay = opts.Delay
		}
		if opts.Attempts != 0 {
			o.Attempts = opts.Attempts
		}
		if opts.Backoff.Type != "" {
			o.Backoff.Type = opts.Backoff.Type
		}
		if opts.Backoff.Delay > 0 {
			o.Backoff.Delay = opts.Backoff.Delay
		}
	}
}
