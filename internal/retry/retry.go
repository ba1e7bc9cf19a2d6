// Package retry provides a bounded retry loop with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy defines retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// InitialBackoff is the wait after the first failure. Zero retries immediately.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts. Zero means no cap.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each failure. Values below 1 are treated as 1.
	Multiplier float64
	// Retryable reports whether err should be retried. Nil retries every error.
	Retryable func(err error) bool
	// OnFailure is called after every failed attempt, before any wait.
	OnFailure func(attempt int, err error)
}

// DefaultPolicy returns a policy of three attempts with a short exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the wait that follows the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, the policy gives up, or ctx is done.
// fn receives the 1-based attempt number. On exhaustion the returned error
// wraps both ErrMaxAttemptsExceeded and the last attempt's error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if p.OnFailure != nil {
			p.OnFailure(attempt, lastErr)
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return fmt.Errorf("%w: %w", ErrNonRetryable, lastErr)
		}

		if attempt == maxAttempts {
			break
		}

		if wait := p.Backoff(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, maxAttempts, lastErr)
}
