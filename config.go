package dagrun

import "time"

// Config holds configuration for the execution engine.
type Config struct {
	// Concurrency is the maximum number of runs executed concurrently.
	// Steps within a single run always execute sequentially.
	Concurrency int

	// StartRate limits how many runs may start per second. Zero means
	// unlimited.
	StartRate float64

	// RetryDelay is the default fixed delay between step retry attempts.
	RetryDelay time.Duration

	// MaxRetries is the default per-step retry budget.
	MaxRetries int

	// ShutdownTimeout is the maximum time to wait for in-flight runs
	// during graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		StartRate:       0,
		RetryDelay:      1 * time.Second,
		MaxRetries:      3,
		ShutdownTimeout: 30 * time.Second,
	}
}
