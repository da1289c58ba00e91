// Package config loads the environment-backed settings structs of conveyor.
//
// Every component that can be configured from the environment exposes a
// Config struct with env tags and a NewXFromConfig constructor. Load fills
// such a struct with caarlos0/env after reading an optional .env file once
// through godotenv. Each struct type is parsed a single time; later loads of
// the same type copy the cached value.
//
//	var qcfg queue.Config
//	if err := config.Load(&qcfg); err != nil {
//		return err
//	}
//	adapter, err := queue.NewFromConfig(ctx, qcfg, backend)
//
// MustLoad panics instead of returning the error and suits main.
//
// # Settings
//
// queue.Config: QUEUE_LOCK_TIMEOUT, QUEUE_MAINTENANCE_INTERVAL,
// QUEUE_SHUTDOWN_TIMEOUT, QUEUE_DEFAULT_ATTEMPTS, QUEUE_DEFAULT_BACKOFF_DELAY
// and the retention of finished jobs (QUEUE_COMPLETED_RETENTION,
// QUEUE_COMPLETED_MAX_COUNT, QUEUE_FAILED_RETENTION).
//
// worker.Config: WORKER_POLL_INTERVAL, WORKER_SHUTDOWN_TIMEOUT,
// WORKER_DEFAULT_CONCURRENCY and WORKER_MEMORY_STATS, which turns on
// per-job allocation sampling.
//
// scheduler.Config: SCHEDULER_TIMEZONE, SCHEDULER_SHUTDOWN_TIMEOUT and the
// cron schedules of the maintenance tasks. Dead letter housekeeping is set
// here: SCHEDULER_DEAD_LETTER_CLEANUP with SCHEDULER_DEAD_LETTER_RETENTION_DAYS
// for never-retried records, and SCHEDULER_DEAD_LETTER_SWEEP for failed jobs
// left in the live queues. SCHEDULER_DEPENDENCY_PURGE,
// SCHEDULER_DEPENDENCY_RECONCILE and SCHEDULER_DEPENDENCY_RECONCILE_AGE cover
// dependency records.
//
// ratelimiter.Config: RATE_LIMIT_DEFAULT_MAX and RATE_LIMIT_DEFAULT_WINDOW
// for queues without an explicit rule, plus RATE_LIMIT_CLEANUP_INTERVAL and
// RATE_LIMIT_SHUTDOWN_TIMEOUT.
//
// redis.Config and mongo.Config hold the connection settings (REDIS_URL,
// MONGODB_URL and friends). MongoDB is optional; without MONGODB_URL the dead
// letter, dependency and metrics stores stay in memory.
package config
