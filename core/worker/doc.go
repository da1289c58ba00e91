// Package worker runs processors against queues.
//
// A Runtime hosts one Worker per queue. Each worker runs a fixed number of
// execution slots; a slot claims the next job (highest priority first, FIFO
// within a priority), runs the processor and turns the result into an Outcome
// that the runtime dispatches:
//
//   - success: the job is completed, metrics are recorded and dependents fire
//   - failure with attempts left: the job is rescheduled with backoff
//   - failure with no attempts left: the job moves to the dead letter store and
//     its dependents are resolved according to the dependency failure policy
//
// A panicking processor fails only the attempt it was running.
//
//	rt, _ := worker.NewRuntime(adapter,
//		worker.WithLogger(log),
//		worker.WithMetrics(recorder),
//		worker.WithDependencies(deps),
//		worker.WithDeadLetter(dlq),
//	)
//	_, err := rt.CreateWorker("email", worker.ProcessorFunc(sendEmail),
//		worker.WithConcurrency(10),
//		worker.WithRateLimitPerMinute(200),
//	)
//	g.Go(rt.Run(ctx))
package worker
