package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_ExponentialBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      NoJitter,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_FixedBackoff(t *testing.T) {
	var delays []time.Duration
	var retried []int
	fail := errors.New("busy")

	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		Fixed:       true,
		Jitter:      NoJitter,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retried = append(retried, attempt)
		},
	}

	err := policy.Do(context.Background(), func(context.Context) error { return fail })
	if !errors.Is(err, fail) {
		t.Fatalf("expected last error, got %v", err)
	}
	if len(delays) != 3 {
		t.Fatalf("expected 3 delays, got %v", delays)
	}
	for _, d := range delays {
		if d != 200*time.Millisecond {
			t.Fatalf("expected fixed delay, got %v", delays)
		}
	}
	if len(retried) != 3 || retried[2] != 3 {
		t.Fatalf("unexpected retry hook calls: %v", retried)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			t.Fatalf("unexpected sleep %v", d)
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryPolicy_ReturnsLastErrorWhenSleepCancelled(t *testing.T) {
	fail := errors.New("busy")
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Jitter:      NoJitter,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return context.Canceled
		},
	}

	err := policy.Do(context.Background(), func(context.Context) error { return fail })
	if !errors.Is(err, fail) {
		t.Fatalf("expected %v, got %v", fail, err)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if breaker.State() != "open" {
		t.Fatalf("expected open breaker, got %s", breaker.State())
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if breaker.State() != "closed" {
		t.Fatalf("expected closed breaker, got %s", breaker.State())
	}
	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	benign := errors.New("declined")
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, benign) },
	})

	for i := 0; i < 3; i++ {
		if err := breaker.Execute(func() error { return benign }); !errors.Is(err, benign) {
			t.Fatalf("expected benign error, got %v", err)
		}
	}
	if breaker.State() != "closed" {
		t.Fatalf("expected closed breaker, got %s", breaker.State())
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration
	var hooked []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1).OnWait(func(d time.Duration) {
		hooked = append(hooked, d)
	})
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
	if len(hooked) != 1 {
		t.Fatalf("expected wait hook once, got %v", hooked)
	}
}

func TestRateLimiter_DisabledIsNoop(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := NewRateLimiter(0, 0).Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
