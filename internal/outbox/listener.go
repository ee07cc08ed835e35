package outbox

import (
	"context"
	"time"

	"storefront/internal/db/postgres"
	"storefront/internal/reliability"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Listener wakes a dispatcher on Postgres notifications.
type Listener struct {
	pool    *pgxpool.Pool
	backoff time.Duration
	logger  *zap.Logger
}

// NewListener listens on its own connection from pool.
func NewListener(pool *pgxpool.Pool, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{pool: pool, backoff: time.Second, logger: logger}
}

// Listen calls wake for every notification until ctx ends. Lost connections
// are re-established; the dispatcher's ticker covers the gap.
func (l *Listener) Listen(ctx context.Context, wake func()) error {
	for {
		err := l.listenOnce(ctx, wake)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("outbox listener disconnected", zap.Error(err))
		if err := reliability.SleepWithContext(ctx, l.backoff); err != nil {
			return nil
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, wake func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+postgres.NotifyChannel); err != nil {
		return err
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		wake()
	}
}
