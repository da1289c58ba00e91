// Package queue provides the live job queues: a backend-agnostic adapter that
// hands out one memoized handle per queue name and implements priority,
// delayed execution and bounded retries with backoff.
//
// # Features
//
//   - Priority-first claiming with FIFO ordering inside a priority
//   - Delayed jobs promoted to waiting when due
//   - Bounded retries with fixed or exponential backoff
//   - Duplicate rejection for caller-assigned job ids
//   - Stalled job recovery and retention trimming in a maintenance loop
//   - Disabled mode when the backend is unreachable at startup
//   - In-memory backend for tests and development; Redis backend in
//     integration/queue/redisqueue
//
// # Basic Usage
//
//	backend := queue.NewMemoryBackend()
//	adapter, err := queue.New(ctx, backend, queue.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//
//	job, err := adapter.Add(ctx, "email-notifications", "welcome", payload,
//		queue.WithPriority(10),
//		queue.WithAttempts(5),
//		queue.WithBackoff(queue.BackoffExponential, 2*time.Second),
//	)
//
// # Disabled Mode
//
// New pings the backend once. When the ping fails the adapter logs a single
// error and every subsequent operation returns ErrBackendUnavailable, so the
// request-serving tier keeps running without background processing:
//
//	if _, err := adapter.Add(ctx, "analytics", "rollup", nil); errors.Is(err, queue.ErrBackendUnavailable) {
//		// degrade gracefully
//	}
//
// # Job Lifecycle
//
// Jobs move waiting → active → completed, or active → delayed (retry with
// backoff) → waiting, until the attempt budget is spent and the job lands in
// failed. Workers claim with Handle.Claim and report with Handle.Complete or
// Handle.Fail. Active jobs cannot be cancelled.
//
// # Maintenance
//
// Run the adapter alongside the workers to return jobs with expired locks to
// waiting and to enforce retention:
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(adapter.Run(ctx))
package queue
