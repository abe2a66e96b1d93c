package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestWithBackoffSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := withBackoff(context.Background(), BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(err error) bool {
		return errors.Is(err, errTransient)
	}, func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithBackoffGivesUp(t *testing.T) {
	attempts := 0
	err := withBackoff(context.Background(), BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(err error) bool {
		return true
	}, func() error {
		attempts++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithBackoffNonRetryableEscalatesImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	err := withBackoff(context.Background(), BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(err error) bool {
		return errors.Is(err, errTransient)
	}, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestWithBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withBackoff(ctx, BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Minute}, func(err error) bool {
		return true
	}, func() error {
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
