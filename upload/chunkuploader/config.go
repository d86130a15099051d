package chunkuploader

import "time"

// Config holds configuration for the chunk uploader.
type Config struct {
	// MaxRetries is the total number of staging attempts per chunk, the first one included.
	// Default: 3
	MaxRetries int

	// RetryDelayBase is the wait before the first retry, doubled on every further retry.
	// Default: 1 second
	RetryDelayBase time.Duration

	// MaxRetryDelay caps the exponential backoff.
	// Default: 30 seconds
	MaxRetryDelay time.Duration

	// Jitter adds a random delay of up to half the backoff to every retry wait.
	Jitter bool

	// AttemptTimeout bounds a single staging call. Zero disables the deadline.
	AttemptTimeout time.Duration

	// HungThreshold is the duration after which a staging attempt is considered hung
	// if it exceeds the average attempt time by this amount. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// MaxBytesPerSecond caps the staging bandwidth shared by every chunk of the uploader.
	// Zero means unlimited.
	MaxBytesPerSecond int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryDelayBase: time.Second,
		MaxRetryDelay:  30 * time.Second,
		Jitter:         true,
		AttemptTimeout: 2 * time.Minute,
		HungThreshold:  30 * time.Second,
	}
}

func (c Config) attempts() int {
	if c.MaxRetries < 1 {
		return 1
	}
	return c.MaxRetries
}
