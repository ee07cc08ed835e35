// Package reliability holds the retry, circuit breaker and token bucket
// primitives shared by outbound calls and lock acquisition.
package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls retry behavior for an operation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Fixed keeps every delay at BaseDelay instead of doubling per attempt.
	Fixed       bool
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
	OnRetry     func(attempt int, err error, delay time.Duration)
}

// NoJitter returns d unchanged.
func NoJitter(d time.Duration) time.Duration { return d }

// Do runs fn until it succeeds, a non-retryable error is returned, the
// attempts are exhausted or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrCircuitOpen)
		}
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := jitter(p.delay(attempt))
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay > 0 && !p.Fixed {
		delay = delay << (attempt - 1)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// SleepWithContext sleeps for d or until ctx ends.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
