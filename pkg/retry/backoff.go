// Package retry implements exponential backoff with jitter for transient
// failures against the generation and embedding backends.
//
// Usage:
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 500 * time.Millisecond,
//		MaxInterval:     10 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      3,
//	}
//	err := retry.WithRetry(ctx, cfg, func() error {
//		return callBackend()
//	})
//
// With jitter enabled the actual delay is baseDelay/2 + random(0, baseDelay/2),
// which avoids synchronized retries when several drafts hit the same outage.
// Wrap an error with Stop to abort retrying immediately (used for permanent
// failures such as policy violations).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls the retry schedule.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// DefaultBackoffConfig returns the schedule used for backend calls when the
// caller does not override it.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Backoff returns the delay before the given attempt (1-based).
func (c BackoffConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}

	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}

	duration := time.Duration(interval)
	if c.Jitter && duration > 1 {
		duration = duration/2 + time.Duration(rand.Int63n(int64(duration/2)))
	}
	return duration
}

// StopError wraps an error to indicate retries must halt immediately.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop wraps err so WithRetry returns it without further attempts.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError reports whether err carries a StopError.
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry runs fn until it succeeds, the retry budget is exhausted, fn
// returns a StopError, or ctx is cancelled. The returned error wraps the last
// failure.
func WithRetry(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(cfg.Backoff(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if IsStopError(err) {
			var stopErr StopError
			errors.As(err, &stopErr)
			return stopErr.Err
		}
		lastErr = err
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
