// Package ratelimiter provides an in-process fixed-window rate limiter keyed by
// (user, queue). It gates job admission before work reaches the durable queue.
//
// # Algorithm
//
// The first check for a key opens a window that resets at now+Window. Each
// subsequent check:
//  1. Resets the count and opens a fresh window when now is past the reset time
//  2. Denies with Remaining 0 when the count already reached Max
//  3. Otherwise increments the count and allows
//
// Windows live in process memory. Under several worker processes each one
// enforces its own windows, so limits are advisory throttling rather than a
// cluster-wide quota.
//
// # Usage
//
//	limiter := ratelimiter.New(
//		ratelimiter.WithDefaultLimit(ratelimiter.Limit{Max: 100, Window: time.Hour}),
//		ratelimiter.WithQueueLimit("video-processing", ratelimiter.Limit{Max: 10, Window: time.Hour}),
//	)
//
//	res, err := limiter.Allow(userID, "video-processing")
//	var exceeded *ratelimiter.ExceededError
//	if errors.As(err, &exceeded) {
//		log.Printf("retry after %s", exceeded.RetryAfter)
//	}
//
// Administrative toggles:
//
//	limiter.SetQueueEnabled("analytics", false) // stop limiting a queue
//	limiter.SetUserExempt("admin-user", true)   // bypass every queue limit
//	status := limiter.Status(userID, "email-notifications") // does not consume
//
// # Cleanup
//
// Expired windows are evicted periodically. Run the limiter in an errgroup:
//
//	g.Go(limiter.Run(ctx))
package ratelimiter
