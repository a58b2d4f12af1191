package retry

import (
	"context"
	"time"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	MaxAttempts  int           `json:"max_attempts"`
}

// DefaultBackoffConfig returns the reconnect schedule used by the push
// channel: 1s doubling to a 30s ceiling, five attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// Backoff implements the delay schedule min(base * 2^attempt, cap).
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{config: config}
}

// DelayFor returns the delay before retry number attempt, counted from 0.
func (b *Backoff) DelayFor(attempt int) time.Duration {
	delay := b.config.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.config.MaxDelay {
			return b.config.MaxDelay
		}
	}
	if delay > b.config.MaxDelay {
		return b.config.MaxDelay
	}
	return delay
}

// MaxAttempts returns the configured attempt ceiling.
func (b *Backoff) MaxAttempts() int {
	return b.config.MaxAttempts
}

// Retry executes the operation until it succeeds, the attempt ceiling is
// reached, or the context is cancelled. Returns the last error on
// exhaustion.
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		// No wait after the final attempt.
		if attempt == b.config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.DelayFor(attempt)):
		}
	}

	return lastErr
}

// RetryWithPredicate behaves like Retry but fails immediately on errors
// the predicate reports as non-retryable.
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == b.config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.DelayFor(attempt)):
		}
	}

	return lastErr
}
