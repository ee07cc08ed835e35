package gateway

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/domain"
	"storefront/internal/reliability"
)

// ReliableGateway wraps a Gateway with rate limiting, a circuit breaker and
// retries. Provider errors surface as domain.ErrGatewayUnavailable.
type ReliableGateway struct {
	base    Gateway
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
}

// NewReliableGateway constructs a reliability-wrapped gateway. limiter and
// breaker may be nil.
func NewReliableGateway(base Gateway, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker, retry reliability.RetryPolicy) *ReliableGateway {
	return &ReliableGateway{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (g *ReliableGateway) Initiate(ctx context.Context, amount int64, currency string, orderID int64) (Initiation, error) {
	var out Initiation
	err := g.do(ctx, func(ctx context.Context) error {
		res, err := g.base.Initiate(ctx, amount, currency, orderID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (g *ReliableGateway) Verify(ctx context.Context, gatewayRef string) (VerifyStatus, error) {
	var out VerifyStatus
	err := g.do(ctx, func(ctx context.Context) error {
		res, err := g.base.Verify(ctx, gatewayRef)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// VerifyWebhookSignature is a local computation and is not retried.
func (g *ReliableGateway) VerifyWebhookSignature(payload []byte, signature string) error {
	return g.base.VerifyWebhookSignature(payload, signature)
}

// BreakerState reports the circuit state for health output.
func (g *ReliableGateway) BreakerState() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State()
}

func (g *ReliableGateway) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if g.breaker != nil {
			return g.breaker.Execute(func() error { return fn(ctx) })
		}
		return fn(ctx)
	}
	err := g.retry.Do(ctx, attempt)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrGatewayUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
}
