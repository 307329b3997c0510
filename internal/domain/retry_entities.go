// Package domain defines retry and DLQ entities for resilient task processing.
package domain

import (
	"time"
)

// AcquireRetryConfig bounds the node-reservation retry loop. The CAS claim
// is the only retried operation in the worker lifecycle; backend calls are
// never retried within an attempt.
type AcquireRetryConfig struct {
	// MaxAttempts is the total number of claim attempts before the task
	// fails with a no-capacity error.
	MaxAttempts int
	// MinJitter and MaxJitter bound the uniform random pause between
	// attempts, spreading contending workers apart.
	MinJitter time.Duration
	MaxJitter time.Duration
}

// DefaultAcquireRetryConfig returns the production claim-retry policy.
func DefaultAcquireRetryConfig() AcquireRetryConfig {
	return AcquireRetryConfig{
		MaxAttempts: 3,
		MinJitter:   50 * time.Millisecond,
		MaxJitter:   150 * time.Millisecond,
	}
}

// Jitter maps a uniform sample u in [0,1) onto the configured pause window.
func (c AcquireRetryConfig) Jitter(u float64) time.Duration {
	if u < 0 {
		u = 0
	}
	if u >= 1 {
		u = 1
	}
	return c.MinJitter + time.Duration(u*float64(c.MaxJitter-c.MinJitter))
}

// DLQEntry is one record on the dead-letter stream. Entries are written for
// messages that cannot be decoded and are acked immediately afterwards so
// they never re-enter a pending list.
type DLQEntry struct {
	OriginalID   string
	Error        string
	SourceWorker string
	FailedAt     time.Time
	RawPayload   string
}
