package ratelimiter

import "time"

// Config holds limiter configuration loaded from the environment.
type Config struct {
	DefaultMax      int           `env:"RATE_LIMIT_DEFAULT_MAX" envDefault:"100"`
	DefaultWindow   time.Duration `env:"RATE_LIMIT_DEFAULT_WINDOW" envDefault:"1h"`
	CleanupInterval time.Duration `env:"RATE_LIMIT_CLEANUP_INTERVAL" envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"RATE_LIMIT_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}
