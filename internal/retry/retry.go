// Package retry provides a bounded retry-with-backoff wrapper for
// operations that can fail transiently, such as engine calls and writes
// that race on optimistic locks.
package retry

import (
	"context"
	"time"

	"github.com/openclaims/approvald/internal/config"
)

// Policy describes how many attempts to make and how long to wait
// between them.
type Policy struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// FromConfig builds a Policy from configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMultiplier: cfg.BackoffMultiplier,
		BackoffMax:        cfg.BackoffMax,
	}
}

// normalized fills in defaults for zero-valued fields.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = 100 * time.Millisecond
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 2 * time.Second
	}
	return p
}

// Backoff returns the delay to wait before the given attempt (1-based;
// attempt 1 has no delay).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	delay := p.BackoffInitial
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffMultiplier)
		if delay > p.BackoffMax {
			return p.BackoffMax
		}
	}
	return delay
}

// Do runs fn up to MaxAttempts times. A failed attempt is retried only
// when shouldRetry reports the error as transient; otherwise the error is
// returned immediately. The delay between attempts grows per the policy
// and respects context cancellation. The last error is returned when all
// attempts are exhausted.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func() error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff(attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
