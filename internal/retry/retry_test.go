package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyPermanent(t *testing.T) {
	if got := Classify(errors.New("401 Unauthorized")); got != CategoryPermanent {
		t.Fatalf("expected permanent, got %v", got)
	}
}

func TestClassifyRateLimited(t *testing.T) {
	if got := Classify(errors.New("429 Too Many Requests: rate limit exceeded")); got != CategoryRateLimited {
		t.Fatalf("expected rate_limited, got %v", got)
	}
}

func TestClassifyServiceUnavailable(t *testing.T) {
	if got := Classify(errors.New("503 Service Unavailable")); got != CategoryServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %v", got)
	}
}

func TestClassifyTransient(t *testing.T) {
	if got := Classify(errors.New("dial tcp: i/o timeout")); got != CategoryTransient {
		t.Fatalf("expected transient, got %v", got)
	}
}

func TestClassifyUnknown(t *testing.T) {
	if got := Classify(errors.New("something weird happened")); got != CategoryUnknown {
		t.Fatalf("expected unknown, got %v", got)
	}
}

func TestManagerSucceedsAfterTransientFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	mgr := NewManager(cfg, nil)

	attempts := 0
	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestManagerStopsImmediatelyOnPermanentError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	mgr := NewManager(cfg, nil)

	attempts := 0
	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("403 Forbidden")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent error, got %d", attempts)
	}
}

func TestManagerExhaustsMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	mgr := NewManager(cfg, nil)

	attempts := 0
	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, time.Minute)
	now := time.Now()

	if !cb.Allow(now) {
		t.Fatal("expected closed breaker to allow")
	}
	cb.RecordFailure(now)
	cb.RecordFailure(now)

	if cb.State() != StateOpen {
		t.Fatalf("expected breaker to open after threshold failures, got %v", cb.State())
	}
	if cb.Allow(now) {
		t.Fatal("expected open breaker to reject immediately")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, 10*time.Millisecond)
	now := time.Now()
	cb.RecordFailure(now)
	if cb.State() != StateOpen {
		t.Fatalf("expected open state, got %v", cb.State())
	}

	later := now.Add(20 * time.Millisecond)
	if !cb.Allow(later) {
		t.Fatal("expected half-open transition to allow a trial call")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open state, got %v", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected breaker to close after success threshold met, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond)
	now := time.Now()
	cb.RecordFailure(now)

	later := now.Add(20 * time.Millisecond)
	cb.Allow(later)
	cb.RecordFailure(later)

	if cb.State() != StateOpen {
		t.Fatalf("expected failure during half-open to reopen breaker, got %v", cb.State())
	}
}

func TestManagerReturnsCircuitOpenWithoutCallingOp(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, time.Hour)
	cb.RecordFailure(time.Now())
	mgr := NewManager(DefaultConfig(), cb)

	called := false
	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("expected op not to be called while circuit is open")
	}
}
