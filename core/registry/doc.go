// Package registry binds the well-known job kinds to their queues and policies.
//
// Each kind has a typed payload and an Add helper that validates the payload,
// consumes one unit of the owner's rate limit and enqueues the job with the
// kind's priority, attempts and backoff:
//
//	reg, _ := registry.New(adapter,
//		registry.WithLimiter(limiter),
//		registry.WithRuntime(runtime),
//		registry.WithDeadLetter(dlq),
//	)
//	job, err := reg.AddEmailJob(ctx, registry.EmailPayload{To: "a@b.c", Template: "welcome"})
//	var exceeded *ratelimiter.ExceededError
//	if errors.As(err, &exceeded) {
//		// tell the user to come back at exceeded.ResetAt
//	}
//
// Workers are started from a Processors value holding one typed handler per kind.
package registry
