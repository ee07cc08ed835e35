// Package gateway talks to the card payment provider.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"storefront/internal/domain"
)

// VerifyStatus is the provider's verdict on a payment.
type VerifyStatus string

const (
	VerifySuccess VerifyStatus = "SUCCESS"
	VerifyFailed  VerifyStatus = "FAILED"
)

// Initiation is the provider reference and the URL the user pays at.
type Initiation struct {
	GatewayRef  string
	RedirectURL string
}

// Gateway is a payment provider.
type Gateway interface {
	Initiate(ctx context.Context, amount int64, currency string, orderID int64) (Initiation, error)
	Verify(ctx context.Context, gatewayRef string) (VerifyStatus, error)
	VerifyWebhookSignature(payload []byte, signature string) error
}

// DefaultPayURL is where FakeBank sends users to pay.
const DefaultPayURL = "https://fake-iran-bank.example/pay"

// FakeBank is a deterministic provider for development and tests. A payment
// verifies when the first byte of HMAC(ref) is even.
type FakeBank struct {
	secret []byte
	payURL string
	now    func() time.Time
}

// NewFakeBank constructs a FakeBank signing with secret.
func NewFakeBank(secret, payURL string) *FakeBank {
	if payURL == "" {
		payURL = DefaultPayURL
	}
	return &FakeBank{secret: []byte(secret), payURL: payURL, now: time.Now}
}

func (b *FakeBank) Initiate(ctx context.Context, amount int64, currency string, orderID int64) (Initiation, error) {
	if err := ctx.Err(); err != nil {
		return Initiation{}, err
	}
	ref := fmt.Sprintf("IRBANK_%d_%d", orderID, b.now().UnixMilli())
	q := url.Values{}
	q.Set("ref", ref)
	q.Set("order", strconv.FormatInt(orderID, 10))
	q.Set("amount", strconv.FormatInt(amount, 10))
	q.Set("currency", currency)
	return Initiation{GatewayRef: ref, RedirectURL: b.payURL + "?" + q.Encode()}, nil
}

func (b *FakeBank) Verify(ctx context.Context, gatewayRef string) (VerifyStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mac := b.mac([]byte(gatewayRef))
	if mac[0]%2 == 0 {
		return VerifySuccess, nil
	}
	return VerifyFailed, nil
}

// Sign returns the hex HMAC-SHA256 of payload, as sent in webhook headers.
func (b *FakeBank) Sign(payload []byte) string {
	return hex.EncodeToString(b.mac(payload))
}

func (b *FakeBank) VerifyWebhookSignature(payload []byte, signature string) error {
	given, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(given, b.mac(payload)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (b *FakeBank) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, b.secret)
	h.Write(payload)
	return h.Sum(nil)
}
