package queue

import "time"

// BackoffType selects how the retry delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

const (
	// DefaultBackoffDelay is the base retry delay applied when none is configured.
	DefaultBackoffDelay = 2 * time.Second
	// MaxBackoffDelay caps exponential growth.
	MaxBackoffDelay = time.Hour
)

// Backoff describes the retry delay policy of a job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Duration returns the delay before the given attempt is retried.
// attempt is 1-based: the first failure yields the base delay.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := b.Delay
	if base <= 0 {
		base = DefaultBackoffDelay
	}

	if b.Type == BackoffFixed {
		return base
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoffDelay {
			return MaxBackoffDelay
		}
	}
	return min(d, MaxBackoffDelay)
}
