// Package scheduler runs periodic maintenance and recurring enqueue tasks on
// cron schedules.
//
// Each task is guarded against overlap: a tick that fires while the previous
// run is still going is skipped and counted, never queued. Panics inside a
// task are recovered and reported as failures.
//
//	s := scheduler.New(scheduler.WithLogger(log))
//	_ = s.Add("dead-letter-cleanup", "@daily", scheduler.DeadLetterCleanup(dlq, 30))
//	_ = s.Add("dependency-purge", "0 * * * *", scheduler.DependencyPurge(deps))
//	g.Go(s.Run(ctx))
//
// Schedules accept the standard five cron fields and descriptors such as
// "@hourly" or "@every 5m".
package scheduler
