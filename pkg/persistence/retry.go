package persistence

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"learnops/pkg/opserrors"
)

// RetryConfig defines configuration for retrying idempotent writes.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter
}

// DefaultRetryConfig provides defaults tuned for SQLite lock contention.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   4,
	InitialDelay:  25 * time.Millisecond,
	MaxDelay:      time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryPolicy retries operations whose errors are classified as transient.
// Only apply it to idempotent upserts.
type RetryPolicy struct {
	Config     RetryConfig
	Classifier func(error) bool
}

// NewRetryPolicy creates a retry policy. A nil classifier uses IsRetryable.
func NewRetryPolicy(config RetryConfig, classifier func(error) bool) *RetryPolicy {
	if classifier == nil {
		classifier = IsRetryable
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &RetryPolicy{Config: config, Classifier: classifier}
}

// IsRetryable reports whether err is SQLite lock contention or a storage timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if opserrors.IsTransient(err) {
		return true
	}
	if k, ok := opserrors.KindOf(err); ok && k != opserrors.KindTransient {
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "timeout")
}

// CalculateDelay computes the delay before the given attempt (1-based).
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		// +/- 10%
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1)) //nolint:gosec // jitter only
		delay += jitter
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// The final retryable error is returned wrapped as opserrors.Transient.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		if delay := p.CalculateDelay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.Classifier(lastErr) {
			return lastErr
		}
	}

	if opserrors.IsTransient(lastErr) {
		return lastErr
	}
	return opserrors.Transient(op, lastErr)
}
