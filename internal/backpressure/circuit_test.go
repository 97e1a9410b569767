package backpressure

import (
	"testing"
	"time"
)

func TestCircuitBreaker(t *testing.T) {
	opts := CircuitBreakerOptions{
		Threshold:   3,
		Timeout:     100 * time.Millisecond,
		HalfOpenMax: 1,
	}
	cb := NewCircuitBreaker(opts)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got: %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got: %s", cb.State())
	}
	if err := cb.Allow(); err == nil {
		t.Error("expected error for open circuit")
	}

	time.Sleep(150 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Errorf("expected allow in half-open: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open, got: %s", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after success, got: %s", cb.State())
	}
}

func TestCircuitBreakerForceOpenClose(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerOptions())

	cb.ForceOpen()
	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got: %s", cb.State())
	}

	cb.ForceClose()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got: %s", cb.State())
	}
}

func TestCircuitBreakerStats(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerOptions())

	cb.RecordFailure()
	cb.RecordFailure()

	stats := cb.Stats()
	if stats.Failures != 2 {
		t.Errorf("expected 2 failures, got: %d", stats.Failures)
	}
	if stats.Threshold != 5 {
		t.Errorf("expected threshold=5, got: %d", stats.Threshold)
	}
}

func TestCircuitBreakerGroup(t *testing.T) {
	g := NewCircuitBreakerGroup(DefaultCircuitBreakerOptions())

	cb1 := g.Get("openai")
	cb2 := g.Get("anthropic")

	if cb1 == cb2 {
		t.Error("different providers should have different circuit breakers")
	}

	cb1Again := g.Get("openai")
	if cb1 != cb1Again {
		t.Error("same provider should return same circuit breaker")
	}

	for i := 0; i < 5; i++ {
		cb1.RecordFailure()
	}

	if cb1.State() != CircuitOpen {
		t.Errorf("expected provider one open, got: %s", cb1.State())
	}
	if cb2.State() != CircuitClosed {
		t.Errorf("expected provider two closed, got: %s", cb2.State())
	}

	stats := g.Stats()
	if len(stats) != 2 {
		t.Errorf("expected 2 stats, got: %d", len(stats))
	}
}
