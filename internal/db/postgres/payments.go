package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"storefront/internal/domain"

	"github.com/pkg/errors"
)

const paymentColumns = `id, user_id, order_id, amount, currency, method, status, idempotency_key, gateway_ref, redirect_url, reason, created_at, updated_at`

type paymentRepo repos

func (r paymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO payments (user_id, order_id, amount, currency, method, status, idempotency_key, gateway_ref, redirect_url, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		p.UserID, p.OrderID, p.Amount, p.Currency, p.Method, p.Status, p.IdempotencyKey, p.GatewayRef, p.RedirectURL, p.Reason,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return translate(err, domain.ErrPaymentNotFound, "insert payment")
}

func (r paymentRepo) one(ctx context.Context, op, where string, args ...any) (domain.Payment, error) {
	var p domain.Payment
	err := r.q.GetContext(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE `+where, args...)
	return p, translate(err, domain.ErrPaymentNotFound, op)
}

func (r paymentRepo) Get(ctx context.Context, id int64) (domain.Payment, error) {
	return r.one(ctx, "get payment", `id = $1`, id)
}

func (r paymentRepo) FindByOrderID(ctx context.Context, orderID int64) (domain.Payment, error) {
	return r.one(ctx, "find payment by order", `order_id = $1`, orderID)
}

func (r paymentRepo) FindByIdempotencyKey(ctx context.Context, key string, userID int64) (domain.Payment, error) {
	return r.one(ctx, "find payment by key", `idempotency_key = $1 AND user_id = $2`, key, userID)
}

func (r paymentRepo) FindByGatewayRef(ctx context.Context, ref string) (domain.Payment, error) {
	return r.one(ctx, "find payment by ref", `gateway_ref = $1`, ref)
}

func (r paymentRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.PaymentStatus, reason string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments SET status = $3, reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to, reason)
	if err != nil {
		return errors.Wrap(err, "update payment status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update payment status")
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

const outboxColumns = `id, payment_id, type, payload, created_at, dispatched_at`

// NotifyChannel is the LISTEN channel raised for every outbox insert.
const NotifyChannel = "payment_outbox"

type outboxRepo repos

// outboxRow scans jsonb into plain bytes.
type outboxRow struct {
	ID           int64                `db:"id"`
	PaymentID    int64                `db:"payment_id"`
	Type         domain.PaymentStatus `db:"type"`
	Payload      []byte               `db:"payload"`
	CreatedAt    time.Time            `db:"created_at"`
	DispatchedAt *time.Time           `db:"dispatched_at"`
}

func (r outboxRepo) list(ctx context.Context, op, query string, args ...any) ([]domain.OutboxEvent, error) {
	var rows []outboxRow
	if err := r.q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, op)
	}
	out := make([]domain.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.OutboxEvent{
			ID:           row.ID,
			PaymentID:    row.PaymentID,
			Type:         row.Type,
			Payload:      json.RawMessage(row.Payload),
			CreatedAt:    row.CreatedAt,
			DispatchedAt: row.DispatchedAt,
		})
	}
	return out, nil
}

// Append inserts the row and raises a notification that is delivered when the
// surrounding transaction commits.
func (r outboxRepo) Append(ctx context.Context, e *domain.OutboxEvent) error {
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO payment_outbox (payment_id, type, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		e.PaymentID, e.Type, []byte(e.Payload),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert outbox event")
	}
	e.DispatchedAt = nil
	_, err = r.q.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatInt(e.ID, 10))
	return errors.Wrap(err, "notify outbox")
}

func (r outboxRepo) ListPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	return r.list(ctx, "list pending outbox", `
		SELECT `+outboxColumns+` FROM payment_outbox
		WHERE dispatched_at IS NULL ORDER BY id LIMIT $1`, limit)
}

func (r outboxRepo) ListByPayment(ctx context.Context, paymentID int64) ([]domain.OutboxEvent, error) {
	return r.list(ctx, "list outbox by payment", `
		SELECT `+outboxColumns+` FROM payment_outbox
		WHERE payment_id = $1 ORDER BY id`, paymentID)
}

// MarkDispatched is idempotent: a row already dispatched keeps its first
// timestamp.
func (r outboxRepo) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payment_outbox SET dispatched_at = $2
		WHERE id = $1 AND dispatched_at IS NULL`, id, at.UTC())
	if err != nil {
		return errors.Wrap(err, "mark outbox dispatched")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "mark outbox dispatched")
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.q.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM payment_outbox WHERE id = $1)`, id); err != nil {
		return errors.Wrap(err, "check outbox event")
	}
	if !exists {
		return domain.ErrOutboxEventNotFound
	}
	return nil
}
