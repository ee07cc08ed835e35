package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"storefront/internal/domain"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return New(sqlx.NewDb(db, "pgx")), mock, cleanup
}

func TestProducts_CreateAndGet(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO products").
		WithArgs("lamp", "home", int64(2500), int64(1000), 3, domain.ProductAvailable).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM products WHERE id = $1 AND deleted_at IS NULL")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "category", "price", "discount", "stock", "status", "created_at", "updated_at", "deleted_at", "discontinued_at"}).
			AddRow(7, "lamp", "home", 2500, 1000, 3, "AVAILABLE", now, now, nil, nil))
	mock.ExpectClose()

	p := domain.Product{Name: "lamp", Category: "home", Price: 2500, Discount: 1000, Stock: 3, Status: domain.ProductAvailable}
	if err := store.Products().Create(context.Background(), &p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID != 7 {
		t.Fatalf("expected id 7, got %d", p.ID)
	}

	got, err := store.Products().Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ProductAvailable || got.FinalPrice() != 2250 {
		t.Fatalf("unexpected product: %+v", got)
	}
}

func TestProducts_GetMissingIsNotFound(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("FROM products WHERE id").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE products SET stock").
		WithArgs(int64(9), 0, domain.ProductOutOfStock).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := store.Products().Get(context.Background(), 9); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if err := store.Products().UpdateStock(context.Background(), 9, 0, domain.ProductOutOfStock); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestProducts_DiscontinueKeepsFirstTimestamp(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec(regexp.QuoteMeta("discontinued_at = COALESCE(discontinued_at, NOW())")).
		WithArgs(int64(4), domain.ProductOutOfStock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WithArgs(int64(5), domain.ProductDiscontinued).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := store.Products().Discontinue(context.Background(), 4, domain.ProductOutOfStock); err != nil {
		t.Fatalf("discontinue: %v", err)
	}
	if err := store.Products().Discontinue(context.Background(), 5, domain.ProductDiscontinued); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestOrders_UpdateStatusIsConditional(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(int64(1), domain.OrderPending, domain.OrderCancelled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(int64(1), domain.OrderPending, domain.OrderFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(int64(2), domain.OrderPending, domain.OrderFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectClose()

	ctx := context.Background()
	if err := store.Orders().UpdateStatus(ctx, 1, domain.OrderPending, domain.OrderCancelled); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := store.Orders().UpdateStatus(ctx, 1, domain.OrderPending, domain.OrderFailed); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := store.Orders().UpdateStatus(ctx, 2, domain.OrderPending, domain.OrderFailed); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrders_CreateWritesItems(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO orders").
		WithArgs(int64(3), int64(4), "addr", int64(500), domain.OrderPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(10, now, now))
	mock.ExpectQuery("INSERT INTO order_items").
		WithArgs(int64(10), int64(8), 2, int64(250)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
	mock.ExpectClose()

	o := domain.Order{UserID: 3, BasketID: 4, Address: "addr", TotalAmount: 500, Status: domain.OrderPending,
		Items: []domain.OrderItem{{ProductID: 8, Quantity: 2, Price: 250}}}
	if err := store.Orders().Create(context.Background(), &o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Items[0].ID != 100 || o.Items[0].OrderID != 10 {
		t.Fatalf("item not populated: %+v", o.Items[0])
	}
}

func TestOrders_ListByUserLoadsItems(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	now := time.Now()
	cols := []string{"id", "user_id", "basket_id", "address", "total_amount", "status", "created_at", "updated_at", "deleted_at"}

	mock.ExpectQuery("FROM orders").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(11, 3, 5, "a", 100, "PENDING", now, now, nil).
			AddRow(10, 3, 4, "a", 200, "COMPLETED", now, now, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM order_items WHERE order_id IN ($1, $2)")).
		WithArgs(int64(11), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "product_id", "quantity", "price"}).
			AddRow(1, 10, 8, 2, 100).
			AddRow(2, 11, 9, 1, 100))
	mock.ExpectClose()

	orders, err := store.Orders().ListByUser(context.Background(), 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != 11 {
		t.Fatalf("unexpected orders: %+v", orders)
	}
	if len(orders[0].Items) != 1 || orders[0].Items[0].ProductID != 9 {
		t.Fatalf("items not attached: %+v", orders[0].Items)
	}
}

func TestPayments_UniqueViolationIsAlreadyExists(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO payments").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "payments_order_id_key"})
	mock.ExpectClose()

	p := domain.Payment{UserID: 1, OrderID: 2, Amount: 500, Currency: "IRR", Method: domain.MethodCreditCard, Status: domain.PaymentPending, IdempotencyKey: "k", GatewayRef: "r"}
	err := store.Payments().Create(context.Background(), &p)
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPayments_UpdateStatusFromSettledIsInvalid(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	now := time.Now()

	mock.ExpectExec("UPDATE payments SET status").
		WithArgs(int64(5), domain.PaymentPending, domain.PaymentFailed, "cancelled_by_gateway").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM payments WHERE id").WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "order_id", "amount", "currency", "method", "status", "idempotency_key", "gateway_ref", "redirect_url", "reason", "created_at", "updated_at"}).
			AddRow(5, 1, 2, 500, "IRR", "CREDIT_CARD", "COMPLETED", "k", "r", "", "", now, now))
	mock.ExpectClose()

	err := store.Payments().UpdateStatus(context.Background(), 5, domain.PaymentPending, domain.PaymentFailed, "cancelled_by_gateway")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOutbox_AppendNotifiesListeners(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO payment_outbox").
		WithArgs(int64(5), domain.PaymentCompleted, []byte(`{"paymentId":5}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(42, time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs(NotifyChannel, "42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	evt := domain.OutboxEvent{PaymentID: 5, Type: domain.PaymentCompleted, Payload: []byte(`{"paymentId":5}`)}
	if err := store.Outbox().Append(context.Background(), &evt); err != nil {
		t.Fatalf("append: %v", err)
	}
	if evt.ID != 42 {
		t.Fatalf("expected id 42, got %d", evt.ID)
	}
}

func TestOutbox_ListPendingAndMarkDispatched(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	now := time.Now()

	mock.ExpectQuery("WHERE dispatched_at IS NULL ORDER BY id LIMIT").WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payment_id", "type", "payload", "created_at", "dispatched_at"}).
			AddRow(1, 5, "COMPLETED", []byte(`{"paymentId":5}`), now, nil))
	mock.ExpectExec("UPDATE payment_outbox SET dispatched_at").
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE payment_outbox SET dispatched_at").
		WithArgs(int64(99), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectClose()

	ctx := context.Background()
	rows, err := store.Outbox().ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || string(rows[0].Payload) != `{"paymentId":5}` {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if err := store.Outbox().MarkDispatched(ctx, 1, now); err != nil {
		t.Fatalf("already dispatched rows are a no-op, got %v", err)
	}
	if err := store.Outbox().MarkDispatched(ctx, 99, now); !errors.Is(err, domain.ErrOutboxEventNotFound) {
		t.Fatalf("expected ErrOutboxEventNotFound, got %v", err)
	}
}

func TestWithinTx_CommitAndRollback(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products SET stock").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products SET stock").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectClose()

	ctx := context.Background()
	err := store.WithinTx(ctx, func(tx domain.Repositories) error {
		return tx.Products().UpdateStock(ctx, 1, 2, domain.ProductAvailable)
	})
	if err != nil {
		t.Fatalf("commit path: %v", err)
	}

	boom := errors.New("boom")
	err = store.WithinTx(ctx, func(tx domain.Repositories) error {
		if err := tx.Products().UpdateStock(ctx, 1, 0, domain.ProductOutOfStock); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestBaskets_RemoveProductCountsRows(t *testing.T) {
	store, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec(`(?s)UPDATE basket_items bi SET deleted_at.*NOT EXISTS.*FROM orders o`).WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	n, err := store.Baskets().RemoveProduct(context.Background(), 8)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}
