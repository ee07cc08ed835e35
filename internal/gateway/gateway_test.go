package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"storefront/internal/domain"
	"storefront/internal/reliability"
)

func TestFakeBank_Initiate(t *testing.T) {
	bank := NewFakeBank("secret", "")
	bank.now = func() time.Time { return time.UnixMilli(1700000000123) }

	res, err := bank.Initiate(context.Background(), 2500, "IRR", 42)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.GatewayRef != "IRBANK_42_1700000000123" {
		t.Fatalf("unexpected ref %q", res.GatewayRef)
	}
	if !strings.HasPrefix(res.RedirectURL, DefaultPayURL+"?") {
		t.Fatalf("unexpected redirect %q", res.RedirectURL)
	}
	u, err := url.Parse(res.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if q.Get("ref") != res.GatewayRef || q.Get("order") != "42" || q.Get("amount") != "2500" || q.Get("currency") != "IRR" {
		t.Fatalf("unexpected query %v", q)
	}
}

func TestFakeBank_VerifyIsDeterministic(t *testing.T) {
	bank := NewFakeBank("secret", "")
	for _, ref := range []string{"IRBANK_1_1", "IRBANK_2_2", "IRBANK_3_3", "IRBANK_4_4"} {
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(ref))
		want := VerifyFailed
		if mac.Sum(nil)[0]%2 == 0 {
			want = VerifySuccess
		}
		got, err := bank.Verify(context.Background(), ref)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if got != want {
			t.Fatalf("ref %s: want %s, got %s", ref, want, got)
		}
	}
}

func TestFakeBank_WebhookSignature(t *testing.T) {
	bank := NewFakeBank("secret", "")
	payload := []byte(`{"gatewayRef":"IRBANK_1_1","status":"ok"}`)
	sig := bank.Sign(payload)

	if err := bank.VerifyWebhookSignature(payload, sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := bank.VerifyWebhookSignature([]byte(`{"gatewayRef":"IRBANK_1_1","status":"cancel"}`), sig); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := bank.VerifyWebhookSignature(payload, "not-hex"); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for malformed signature, got %v", err)
	}
	other := NewFakeBank("other", "")
	if err := other.VerifyWebhookSignature(payload, sig); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}
}

type flakyGateway struct {
	errs  []error
	calls int
}

func (f *flakyGateway) Initiate(ctx context.Context, amount int64, currency string, orderID int64) (Initiation, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return Initiation{}, f.errs[f.calls-1]
	}
	return Initiation{GatewayRef: "ref"}, nil
}

func (f *flakyGateway) Verify(ctx context.Context, gatewayRef string) (VerifyStatus, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return "", f.errs[f.calls-1]
	}
	return VerifySuccess, nil
}

func (f *flakyGateway) VerifyWebhookSignature(payload []byte, signature string) error {
	return nil
}

func noSleepRetry(attempts int) reliability.RetryPolicy {
	return reliability.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      reliability.NoJitter,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestReliableGateway_RetriesTransientErrors(t *testing.T) {
	base := &flakyGateway{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	gw := NewReliableGateway(base, nil, nil, noSleepRetry(3))

	res, err := gw.Initiate(context.Background(), 100, "IRR", 1)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.GatewayRef != "ref" || base.calls != 3 {
		t.Fatalf("unexpected result %+v after %d calls", res, base.calls)
	}
}

func TestReliableGateway_SurfacesUnavailable(t *testing.T) {
	base := &flakyGateway{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	gw := NewReliableGateway(base, nil, breaker, noSleepRetry(3))

	_, err := gw.Verify(context.Background(), "ref")
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected breaker to stop the third call, got %d calls", base.calls)
	}
	if gw.BreakerState() != "open" {
		t.Fatalf("expected open breaker, got %s", gw.BreakerState())
	}
}
