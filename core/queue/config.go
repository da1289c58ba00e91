package queue

import "time"

// Config holds the adapter configuration.
// Designed for environment-based configuration using popular env parsing libraries.
type Config struct {
	LockTimeout         time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	MaintenanceInterval time.Duration `env:"QUEUE_MAINTENANCE_INTERVAL" envDefault:"30s"`
	ShutdownTimeout     time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Job defaults
	DefaultAttempts     int           `env:"QUEUE_DEFAULT_ATTEMPTS" envDefault:"3"`
	DefaultBackoffDelay time.Duration `env:"QUEUE_DEFAULT_BACKOFF_DELAY" envDefault:"2s"`

	// Retention of finished jobs
	CompletedRetention time.Duration `env:"QUEUE_COMPLETED_RETENTION" envDefault:"24h"`
	CompletedMaxCount  int           `env:"QUEUE_COMPLETED_MAX_COUNT" envDefault:"1000"`
	FailedRetention    time.Duration `env:"QUEUE_FAILED_RETENTION" envDefault:"168h"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	r := DefaultRetention()
	return Config{
		LockTimeout:         5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		DefaultAttempts:     DefaultAttempts,
		DefaultBackoffDelay: DefaultBackoffDelay,
		CompletedRetention:  r.CompletedAge,
		CompletedMaxCount:   r.CompletedCount,
		FailedRetention:     r.FailedAge,
	}
}
