package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecutor_RetryWrapsBreaker(t *testing.T) {
	// With the circuit already open, retry must not consume its budget:
	// the single ErrCircuitOpen propagates straight out.
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})
	_ = cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})

	retries := 0
	exec := NewExecutor(
		WithRetry(NewRetry(RetryConfig{
			MaxRetries:   5,
			InitialDelay: time.Millisecond,
			RetryIf: func(err error) bool {
				return !errors.Is(err, ErrCircuitOpen)
			},
			OnRetry: func(attempt int, err error, delay time.Duration) {
				retries++
			},
		})),
		WithCircuitBreaker(cb),
	)

	invoked := 0
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		invoked++
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if invoked != 0 {
		t.Errorf("function invoked %d times, want 0", invoked)
	}
	if retries != 0 {
		t.Errorf("retries = %d, want 0 (open circuit bypasses retry)", retries)
	}
}

func TestExecutor_RetriesAgainstClosedBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 10})
	exec := NewExecutor(
		WithRetry(NewRetry(RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond})),
		WithCircuitBreaker(cb),
	)

	attempts := 0
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if cb.State() != StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
}

func TestExecutor_TimeoutInnermost(t *testing.T) {
	exec := NewExecutor(
		WithRetry(NewRetry(RetryConfig{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			RetryIf:      func(err error) bool { return errors.Is(err, ErrTimeout) },
		})),
		WithTimeout(10*time.Millisecond),
	)

	attempts := 0
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (timeout is retryable)", attempts)
	}
}

func TestExecutor_Empty(t *testing.T) {
	exec := NewExecutor()
	called := false
	if err := exec.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if !called {
		t.Error("operation was not invoked")
	}
}
