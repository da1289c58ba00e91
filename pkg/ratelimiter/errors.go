package ratelimiter

import (
	"errors"
	"fmt"
	"time"
)

// Package-level error definitions for rate limiter operations.
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrAlreadyStarted    = errors.New("rate limiter cleanup already started")
	ErrNotStarted        = errors.New("rate limiter cleanup not started")
	ErrCleanupDisabled   = errors.New("rate limiter cleanup interval must be positive")
	ErrHealthcheckFailed = errors.New("rate limiter healthcheck failed")
)

// ExceededError is returned when a user has used up the window of a queue.
// It carries the concrete reset time so callers can tell users when to retry.
type ExceededError struct {
	UserID     string
	Queue      string
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for user %q on queue %q: %d per window, retry after %s",
		e.UserID, e.Queue, e.Limit, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimitExceeded) match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
