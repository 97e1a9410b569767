package backpressure

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	opts := RetryOptions{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     0,
	}

	ctx := context.Background()

	callCount := 0
	err := Retry(ctx, opts, func() error {
		callCount++
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got: %d", callCount)
	}

	callCount = 0
	err = Retry(ctx, opts, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got: %d", callCount)
	}

	callCount = 0
	err = Retry(ctx, opts, func() error {
		callCount++
		return errors.New("persistent error")
	})
	if err == nil {
		t.Error("expected error after max retries")
	}
	if callCount != opts.MaxRetries+1 {
		t.Errorf("expected %d calls, got: %d", opts.MaxRetries+1, callCount)
	}
}

func TestRetryContextCancellation(t *testing.T) {
	opts := RetryOptions{
		MaxRetries: 10,
		BaseDelay:  1 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	callCount := 0
	err := Retry(ctx, opts, func() error {
		callCount++
		return errors.New("error")
	})

	if err == nil {
		t.Error("expected error for cancelled context")
	}
	if callCount > 1 {
		t.Errorf("expected at most 1 call, got: %d", callCount)
	}
}

func TestRetryWithCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerOptions{
		Threshold:   2,
		Timeout:     1 * time.Hour,
		HalfOpenMax: 1,
	})

	opts := RetryOptions{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
	}

	ctx := context.Background()

	callCount := 0
	err := RetryWithCircuitBreaker(ctx, cb, opts, func() error {
		callCount++
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	callCount = 0
	err = RetryWithCircuitBreaker(ctx, cb, opts, func() error {
		callCount++
		return errors.New("narrator call failed")
	})
	if err == nil {
		t.Error("expected error")
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected circuit open, got: %s", cb.State())
	}

	callCount = 0
	err = RetryWithCircuitBreaker(ctx, cb, opts, func() error {
		callCount++
		return nil
	})
	if err == nil {
		t.Error("expected error for open circuit")
	}
	if callCount != 0 {
		t.Errorf("expected 0 calls (circuit open), got: %d", callCount)
	}
}
