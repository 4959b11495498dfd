package checkpointer

import "time"

// Config controls how checkpoint writes are retried.
type Config struct {
	WriteTimeout time.Duration // Timeout for each checkpoint write operation
	MaxRetries   int           // Retries after the first failed write
	RetryBackoff time.Duration // Backoff duration between retry attempts
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 300 * time.Millisecond,
	}
}
