package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"
)

// BackoffPolicy bounds retries of transient failures (store unavailable).
type BackoffPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps the per-retry delay.
	MaxDelay time.Duration
}

// DefaultBackoffPolicy retries a handful of times within a few seconds.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// withBackoff runs fn, retrying with bounded exponential backoff while
// retryable(err) is true. Non-retryable errors escalate immediately.
func withBackoff(ctx context.Context, p BackoffPolicy, retryable func(error) bool, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		log.Printf("[orchestrator] transient failure (attempt %d/%d), retrying in %s: %v",
			attempt, p.MaxAttempts, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
