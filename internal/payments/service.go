// Package payments runs the payment saga: initiation against the gateway,
// verification, gateway webhooks, and the outbox rows that announce every
// payment state change.
package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/gateway"
	"storefront/internal/lock"

	"go.uber.org/zap"
)

const (
	ReasonVerificationFailed = "verification_failed"
	ReasonCancelledByGateway = "cancelled_by_gateway"
)

// Config holds payment defaults.
type Config struct {
	Currency    string
	WebhookSkew time.Duration
}

// DefaultConfig charges in IRR and accepts webhooks up to five minutes old.
func DefaultConfig() Config {
	return Config{Currency: "IRR", WebhookSkew: 5 * time.Minute}
}

// Service is the payment saga.
type Service struct {
	store     domain.Store
	locks     *lock.Manager
	gateway   gateway.Gateway
	cache     IdempotencyCache
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// NewService constructs a payment Service. cache and publisher may be nil.
func NewService(store domain.Store, locks *lock.Manager, gw gateway.Gateway, cache IdempotencyCache, publisher events.Publisher, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.WebhookSkew <= 0 {
		cfg.WebhookSkew = def.WebhookSkew
	}
	return &Service{
		store:     store,
		locks:     locks,
		gateway:   gw,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// DeriveIdempotencyKey is the key used when the system initiates payment for
// an order on the user's behalf.
func DeriveIdempotencyKey(userID, orderID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", userID, orderID)))
	return hex.EncodeToString(sum[:])
}

// InitiatePayment opens a payment for a PENDING order. Retries with the same
// key, or for an order that already has a payment, return the existing
// payment without calling the gateway again.
func (s *Service) InitiatePayment(ctx context.Context, principal, orderID, amount int64, key string) (domain.Payment, error) {
	if amount <= 0 {
		return domain.Payment{}, domain.ErrInvalidAmount
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Payment{}, domain.ErrIdempotencyKeyRequired
	}

	var (
		payment domain.Payment
		created bool
	)
	err := s.locks.WithLock(ctx, lock.PaymentInitKey(orderID), func(ctx context.Context) error {
		existing, ok, err := s.findExisting(ctx, principal, orderID, key)
		if err != nil {
			return err
		}
		if ok {
			payment = existing
			return nil
		}

		order, err := s.store.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		switch {
		case order.UserID != principal:
			return domain.ErrForbidden
		case order.Status != domain.OrderPending:
			return fmt.Errorf("%w: order %d is %s", domain.ErrOrderNotPayable, orderID, order.Status)
		case amount != order.TotalAmount:
			return fmt.Errorf("%w: got %d, order total %d", domain.ErrAmountMismatch, amount, order.TotalAmount)
		}

		started, err := s.gateway.Initiate(ctx, amount, s.cfg.Currency, orderID)
		if err != nil {
			return gatewayErr(err)
		}

		p := domain.Payment{
			UserID:         principal,
			OrderID:        orderID,
			Amount:         amount,
			Currency:       s.cfg.Currency,
			Method:         domain.MethodCreditCard,
			Status:         domain.PaymentPending,
			IdempotencyKey: key,
			GatewayRef:     started.GatewayRef,
			RedirectURL:    started.RedirectURL,
		}
		err = s.store.WithinTx(ctx, func(tx domain.Repositories) error {
			if err := tx.Payments().Create(ctx, &p); err != nil {
				return err
			}
			return appendOutbox(ctx, tx, p)
		})
		if err != nil {
			return fmt.Errorf("persist payment: %w", err)
		}
		payment, created = p, true
		s.remember(ctx, key, p)
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}

	if created {
		s.logger.Info("payment initiated",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("order_id", orderID),
			zap.String("gateway_ref", payment.GatewayRef))
		s.publishPending(ctx, payment)
	}
	return payment, nil
}

// findExisting checks the cache, then the order, then the user's key.
func (s *Service) findExisting(ctx context.Context, principal, orderID int64, key string) (domain.Payment, bool, error) {
	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("idempotency cache read failed", zap.Error(err))
		} else if ok && p.UserID == principal {
			// The cached snapshot only names the payment; its status may have
			// moved on since, so the row is read back.
			fresh, err := s.store.Payments().Get(ctx, p.ID)
			if err == nil {
				return fresh, true, nil
			}
			if !errors.Is(err, domain.ErrPaymentNotFound) {
				return domain.Payment{}, false, err
			}
		}
	}

	p, err := s.store.Payments().FindByOrderID(ctx, orderID)
	if err == nil {
		if p.UserID != principal {
			return domain.Payment{}, false, domain.ErrForbidden
		}
		s.remember(ctx, key, p)
		return p, true, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.Payment{}, false, err
	}

	p, err = s.store.Payments().FindByIdempotencyKey(ctx, key, principal)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.Payment{}, false, err
	}
	return domain.Payment{}, false, nil
}

func (s *Service) remember(ctx context.Context, key string, p domain.Payment) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, p); err != nil {
		s.logger.Warn("idempotency cache write failed", zap.Int64("payment_id", p.ID), zap.Error(err))
	}
}

func (s *Service) publishPending(ctx context.Context, p domain.Payment) {
	if s.publisher == nil {
		return
	}
	err := events.Publish(ctx, s.publisher, events.TopicPaymentPending, strconv.FormatInt(p.OrderID, 10), domain.PaymentEventPayload{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Method:    p.Method,
		Status:    p.Status,
	})
	if err != nil {
		s.logger.Warn("publish payment pending failed", zap.Int64("payment_id", p.ID), zap.Error(err))
	}
}

// VerifyPayment asks the gateway for the outcome of a PENDING payment.
// Settled payments are returned unchanged.
func (s *Service) VerifyPayment(ctx context.Context, id int64) (domain.Payment, error) {
	return s.verify(ctx, id, nil)
}

// VerifyPaymentAs is VerifyPayment for a payment owned by principal.
func (s *Service) VerifyPaymentAs(ctx context.Context, principal, id int64) (domain.Payment, error) {
	return s.verify(ctx, id, &principal)
}

func (s *Service) verify(ctx context.Context, id int64, principal *int64) (domain.Payment, error) {
	var out domain.Payment
	err := s.locks.WithLock(ctx, lock.PaymentVerifyKey(id), func(ctx context.Context) error {
		p, err := s.store.Payments().Get(ctx, id)
		if err != nil {
			return err
		}
		if principal != nil && p.UserID != *principal {
			return domain.ErrForbidden
		}
		if p.Status != domain.PaymentPending {
			out = p
			return nil
		}

		verdict, err := s.gateway.Verify(ctx, p.GatewayRef)
		if err != nil {
			s.logger.Error("gateway verify failed", zap.Int64("payment_id", id), zap.Error(err))
			return gatewayErr(err)
		}
		to, reason := domain.PaymentCompleted, ""
		if verdict != gateway.VerifySuccess {
			to, reason = domain.PaymentFailed, ReasonVerificationFailed
		}
		out, err = s.settle(ctx, p, to, reason)
		return err
	})
	return out, err
}

// settle moves a PENDING payment to a final status and records the outbox row
// in the same transaction.
func (s *Service) settle(ctx context.Context, p domain.Payment, to domain.PaymentStatus, reason string) (domain.Payment, error) {
	err := s.store.WithinTx(ctx, func(tx domain.Repositories) error {
		if err := tx.Payments().UpdateStatus(ctx, p.ID, domain.PaymentPending, to, reason); err != nil {
			return err
		}
		p.Status = to
		p.Reason = reason
		return appendOutbox(ctx, tx, p)
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("settle payment %d: %w", p.ID, err)
	}
	if p.IdempotencyKey != "" {
		s.remember(ctx, p.IdempotencyKey, p)
	}
	s.logger.Info("payment settled",
		zap.Int64("payment_id", p.ID),
		zap.Int64("order_id", p.OrderID),
		zap.String("status", string(to)),
		zap.String("reason", reason))
	return p, nil
}

func appendOutbox(ctx context.Context, tx domain.Repositories, p domain.Payment) error {
	evt, err := domain.NewOutboxEvent(p)
	if err != nil {
		return err
	}
	return tx.Outbox().Append(ctx, &evt)
}

// WebhookPayload is the body the gateway posts. Timestamp is unix
// milliseconds.
type WebhookPayload struct {
	GatewayRef string `json:"gatewayRef"`
	Status     string `json:"status"`
	OrderID    int64  `json:"orderId,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

const (
	webhookOK     = "ok"
	webhookCancel = "cancel"
)

// WebhookResult reports what a webhook did. Known is false for references
// this system never issued.
type WebhookResult struct {
	Known   bool
	Payment domain.Payment
}

// HandleWebhook applies a signed gateway callback. Replays and callbacks for
// settled payments are acknowledged without changes.
func (s *Service) HandleWebhook(ctx context.Context, raw []byte, signature string) (WebhookResult, error) {
	if err := s.gateway.VerifyWebhookSignature(raw, signature); err != nil {
		return WebhookResult{}, err
	}

	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidWebhook, err)
	}
	if strings.TrimSpace(payload.GatewayRef) == "" {
		return WebhookResult{}, fmt.Errorf("%w: missing gatewayRef", domain.ErrInvalidWebhook)
	}
	sent := time.UnixMilli(payload.Timestamp)
	if skew := s.now().Sub(sent); payload.Timestamp == 0 || skew > s.cfg.WebhookSkew || skew < -s.cfg.WebhookSkew {
		return WebhookResult{}, fmt.Errorf("%w: timestamp outside accepted window", domain.ErrInvalidWebhook)
	}

	p, err := s.store.Payments().FindByGatewayRef(ctx, payload.GatewayRef)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		s.logger.Warn("webhook for unknown gateway ref", zap.String("gateway_ref", payload.GatewayRef))
		return WebhookResult{}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}
	if payload.OrderID != 0 && payload.OrderID != p.OrderID {
		return WebhookResult{}, fmt.Errorf("%w: order mismatch for %s", domain.ErrInvalidWebhook, payload.GatewayRef)
	}
	if p.Status != domain.PaymentPending {
		s.logger.Info("webhook for settled payment ignored",
			zap.Int64("payment_id", p.ID),
			zap.String("status", string(p.Status)))
		return WebhookResult{Known: true, Payment: p}, nil
	}

	switch payload.Status {
	case webhookCancel:
		out, err := s.cancel(ctx, p.ID)
		if err != nil {
			return WebhookResult{}, err
		}
		return WebhookResult{Known: true, Payment: out}, nil
	case webhookOK:
		out, err := s.VerifyPayment(ctx, p.ID)
		if err != nil {
			return WebhookResult{}, err
		}
		return WebhookResult{Known: true, Payment: out}, nil
	default:
		return WebhookResult{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidWebhook, payload.Status)
	}
}

func (s *Service) cancel(ctx context.Context, id int64) (domain.Payment, error) {
	var out domain.Payment
	err := s.locks.WithLock(ctx, lock.PaymentVerifyKey(id), func(ctx context.Context) error {
		p, err := s.store.Payments().Get(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != domain.PaymentPending {
			out = p
			return nil
		}
		out, err = s.settle(ctx, p, domain.PaymentFailed, ReasonCancelledByGateway)
		return err
	})
	return out, err
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, id int64) (domain.Payment, error) {
	return s.store.Payments().Get(ctx, id)
}

// GetPaymentFor returns a payment owned by principal.
func (s *Service) GetPaymentFor(ctx context.Context, principal, id int64) (domain.Payment, error) {
	p, err := s.store.Payments().Get(ctx, id)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.UserID != principal {
		return domain.Payment{}, domain.ErrForbidden
	}
	return p, nil
}

func gatewayErr(err error) error {
	if errors.Is(err, domain.ErrGatewayUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
}
