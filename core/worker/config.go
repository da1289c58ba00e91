package worker

import "time"

// Config holds worker runtime settings.
type Config struct {
	PollInterval       time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	ShutdownTimeout    time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	DefaultConcurrency int           `env:"WORKER_DEFAULT_CONCURRENCY" envDefault:"1"`
	MemoryStats        bool          `env:"WORKER_MEMORY_STATS" envDefault:"false"`
}

// DefaultConfig returns the defaults used when no environment is set.
func DefaultConfig() Config {
	return Config{
		PollInterval:       DefaultPollInterval,
		ShutdownTimeout:    DefaultShutdownTimeout,
		DefaultConcurrency: DefaultConcurrency,
	}
}
