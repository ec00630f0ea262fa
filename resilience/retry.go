package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/bh-rat/mcp-coordinator/store"
)

// RetryConfig controls the bounded exponential backoff applied to
// store.ErrUnavailable outcomes. Non-transient outcomes (NotFound,
// Conflict, Exists, Held) return immediately without consuming a retry
// attempt.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// DefaultRetryConfig returns the default backoff: 3 attempts, 50ms base,
// 2s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, CapDelay: 2 * time.Second}
}

// delay computes the backoff for a given zero-indexed retry attempt:
// min(base * 2^attempt, cap) plus jitter in [0, base/2), with the sum
// capped at cap again.
func (c RetryConfig) delay(attempt int) time.Duration {
	exp := 1 << attempt
	d := c.BaseDelay * time.Duration(exp)
	if d > c.CapDelay {
		d = c.CapDelay
	}
	if c.BaseDelay > 1 {
		d += time.Duration(rand.Int63n(int64(c.BaseDelay / 2)))
	}
	if d > c.CapDelay {
		d = c.CapDelay
	}
	return d
}

// Do runs fn up to cfg.MaxAttempts times, retrying only when fn returns an
// error wrapping store.ErrUnavailable, and backing off between attempts.
// Context cancellation aborts the wait immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, store.ErrUnavailable) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delay(attempt)):
		}
	}
	return lastErr
}
