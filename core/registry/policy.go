package registry

import (
	"time"

	"github.com/dmitrymomot/conveyor/core/queue"
	"github.com/dmitrymomot/conveyor/pkg/ratelimiter"
)

// Policy holds the defaults applied to every job of a kind.
type Policy struct {
	Priority int
	Attempts int
	Backoff  queue.Backoff
	// UserLimit gates admission per user before the job reaches the queue.
	UserLimit ratelimiter.Limit
	// Concurrency is the slot count of the kind's worker.
	Concurrency int
	// WorkerRateLimitPerMinute caps job starts of the kind's worker; zero is unlimited.
	WorkerRateLimitPerMinute int
}

// options applies only the fields the policy sets; the rest keep adapter defaults.
func (p Policy) options() []queue.EnqueueOption {
	return []queue.EnqueueOption{queue.WithOptions(queue.Options{
		Priority: p.Priority,
		Attempts: p.Attempts,
		Backoff:  p.Backoff,
	})}
}

func exponential(d time.Duration) queue.Backoff {
	return queue.Backoff{Type: queue.BackoffExponential, Delay: d}
}

// DefaultPolicies returns the built-in policy of every kind.
// Scheduled posts additionally get a delay up to their publish time.
func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindVideoProcessing: {
			Priority: 5, Attempts: 3, Backoff: exponential(5 * time.Second),
			UserLimit: ratelimiter.Limit{Max: 10, Window: time.Hour}, Concurrency: 2,
		},
		KindContentGeneration: {
			Priority: 5, Attempts: 3, Backoff: exponential(3 * time.Second),
			UserLimit: ratelimiter.Limit{Max: 50, Window: time.Hour}, Concurrency: 5,
		},
		KindEmail: {
			Priority: 10, Attempts: 5, Backoff: exponential(2 * time.Second),
			UserLimit: ratelimiter.Limit{Max: 200, Window: time.Hour}, Concurrency: 10,
			WorkerRateLimitPerMinute: 100,
		},
		KindTranscriptGeneration: {
			Priority: 3, Attempts: 3, Backoff: exponential(5 * time.Second),
			UserLimit: ratelimiter.Limit{Max: 20, Window: time.Hour}, Concurrency: 2,
		},
		KindSocialPosting: {
			Priority: 7, Attempts: 4, Backoff: exponential(10 * time.Second),
			UserLimit: ratelimiter.Limit{Max: 100, Window: time.Hour}, Concurrency: 5,
			WorkerRateLimitPerMinute: 60,
		},
		KindScheduledPost: {
			Priority: 9, Attempts: 3, Backoff: exponential(5 * time.Second),
			UserLimit: ratelimiter.Limit{Max: 50, Window: time.Hour}, Concurrency: 3,
		},
		KindAnalytics: {
			Priority: 1, Attempts: 2, Backoff: queue.Backoff{Type: queue.BackoffFixed, Delay: 30 * time.Second},
			UserLimit: ratelimiter.Limit{Max: 500, Window: time.Hour}, Concurrency: 3,
		},
		KindFileProcessing: {
			Priority: 4, Attempts: 3, Backoff: exponential(3 * time.Second),
			UserLimit: ratelimiter.Limit{Max: 30, Window: time.Hour}, Concurrency: 3,
		},
	}
}
