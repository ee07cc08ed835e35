// Package postgres implements the relational store on Postgres with sqlx over
// the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"storefront/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// querier is satisfied by *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store is a domain.Store over Postgres.
type Store struct {
	db *sqlx.DB
	repos
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// New wraps an open database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, repos: repos{q: db}}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// WithinTx runs fn in a transaction and commits when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Repositories) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(repos{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

type repos struct {
	q querier
}

func (r repos) Products() domain.ProductRepository   { return productRepo(r) }
func (r repos) Movements() domain.MovementRepository { return movementRepo(r) }
func (r repos) Baskets() domain.BasketRepository     { return basketRepo(r) }
func (r repos) Orders() domain.OrderRepository       { return orderRepo(r) }
func (r repos) Payments() domain.PaymentRepository   { return paymentRepo(r) }
func (r repos) Outbox() domain.OutboxRepository      { return outboxRepo(r) }

// translate maps driver errors to domain errors. notFound is returned for
// sql.ErrNoRows.
func translate(err error, notFound error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(domain.ErrAlreadyExists, "%s: %s", op, pgErr.ConstraintName)
	}
	return errors.Wrap(err, op)
}

// affected returns notFound when a write touched no rows.
func affected(res sql.Result, notFound error, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
