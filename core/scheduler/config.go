package scheduler

import "time"

// Config holds scheduler settings loaded from the environment.
type Config struct {
	Timezone        string        `env:"SCHEDULER_TIMEZONE" envDefault:"UTC"`
	ShutdownTimeout time.Duration `env:"SCHEDULER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	DeadLetterCleanup       string        `env:"SCHEDULER_DEAD_LETTER_CLEANUP" envDefault:"@daily"`
	DeadLetterRetentionDays int           `env:"SCHEDULER_DEAD_LETTER_RETENTION_DAYS" envDefault:"30"`
	DeadLetterSweep         string        `env:"SCHEDULER_DEAD_LETTER_SWEEP" envDefault:"@every 5m"`
	DependencyPurge         string        `env:"SCHEDULER_DEPENDENCY_PURGE" envDefault:"@hourly"`
	DependencyReconcile     string        `env:"SCHEDULER_DEPENDENCY_RECONCILE" envDefault:"@every 5m"`
	DependencyReconcileAge  time.Duration `env:"SCHEDULER_DEPENDENCY_RECONCILE_AGE" envDefault:"1m"`
	AnalyticsRollup         string        `env:"SCHEDULER_ANALYTICS_ROLLUP" envDefault:"0 2 * * *"`
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
