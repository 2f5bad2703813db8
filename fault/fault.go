// Package fault defines the error taxonomy shared by the bus, cache, and
// store adapters. Every adapter operation fails with exactly one of the four
// sentinel errors below, wrapped with context.
package fault

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the backing system is unreachable. Callers retry
	// with Retry; the condition is expected to clear.
	ErrUnavailable = errors.New("unavailable")

	// ErrTimeout means the operation deadline elapsed. Surfaced to the caller.
	ErrTimeout = errors.New("timeout")

	// ErrConflict means a unique-key violation, lost SetNX race, or failed
	// compare-and-set. Callers handle it idempotently.
	ErrConflict = errors.New("conflict")

	// ErrInvalid marks a programmer error (bad arguments, malformed subject).
	ErrInvalid = errors.New("invalid")
)

// IsRetryable reports whether err should be retried by policy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// RetryConfig controls the backoff schedule used by Retry.
type RetryConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetry is the standard schedule: 1s doubling, capped at 30s.
var DefaultRetry = RetryConfig{Initial: time.Second, Max: 30 * time.Second}

// Retry runs fn until it succeeds, returns a non-retryable error, or ctx is
// cancelled. Only ErrUnavailable is retried; everything else is returned
// immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	backoff := cfg.Initial
	if backoff <= 0 {
		backoff = DefaultRetry.Initial
	}
	max := cfg.Max
	if max <= 0 {
		max = DefaultRetry.Max
	}

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}
