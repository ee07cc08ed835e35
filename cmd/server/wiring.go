package main

import (
	"context"
	"errors"
	"fmt"

	"storefront/cmd/server/config"
	"storefront/internal/basket"
	"storefront/internal/consumers"
	"storefront/internal/db/migrations"
	"storefront/internal/db/postgres"
	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/events/kafka"
	"storefront/internal/events/memory"
	"storefront/internal/events/rabbitmq"
	"storefront/internal/gateway"
	"storefront/internal/lock"
	"storefront/internal/notify"
	"storefront/internal/observability"
	"storefront/internal/orders"
	"storefront/internal/outbox"
	"storefront/internal/payments"
	"storefront/internal/ratelimit"
	"storefront/internal/realtime"
	"storefront/internal/reliability"
	"storefront/internal/stock"
	memstore "storefront/internal/store/memory"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds every constructed component. Constructors run once here.
type app struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	store domain.Store
	db    *sqlx.DB
	pool  *pgxpool.Pool
	redis *redis.Client
	bus   events.Bus

	locks      *lock.Manager
	ledger     *stock.Ledger
	baskets    *basket.Service
	orders     *orders.OrderService
	payments   *payments.Service
	gateway    *gateway.ReliableGateway
	dispatcher *outbox.Dispatcher
	hub        *realtime.Hub
	registry   *events.Registry

	closers []func() error
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func buildApp(ctx context.Context, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger, metrics: observability.NewMetrics()}
	steps := []func() error{
		func() error { return a.openStore(ctx) },
		func() error { return a.openRedis(ctx) },
		func() error { return a.openBus(ctx) },
		a.buildServices,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	if cfg.URL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory store")
		a.store = memstore.New()
		return nil
	}

	db, err := postgres.Open(ctx, cfg.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)
	a.db = db

	if cfg.AutoMigrate {
		if err := migrations.Up(db.DB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	a.store = postgres.New(db)

	if cfg.ListenNotify {
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return fmt.Errorf("open listen pool: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.pool = pool
	}
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	cfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	if !cfg.Enabled() {
		a.logger.Warn("REDIS_URL not set, using in-memory locks, limiter, cart and caches")
		return nil
	}
	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.redis = client
	return nil
}

func (a *app) openBus(ctx context.Context) error {
	cfg, err := config.LoadBus()
	if err != nil {
		return err
	}
	var bus events.Bus
	switch cfg.Kind {
	case config.BusRabbitMQ:
		bus, err = rabbitmq.Dial(ctx, rabbitmq.Config{
			URL:      cfg.RabbitURL,
			Exchange: cfg.RabbitExchange,
			Queue:    cfg.RabbitQueue,
			Prefetch: cfg.RabbitPrefetch,
		}, a.logger.Named("rabbitmq"))
	case config.BusKafka:
		bus, err = kafka.NewBus(kafka.Config{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID}, a.logger.Named("kafka"))
	default:
		bus = memory.NewBus(a.logger.Named("bus"))
	}
	if err != nil {
		return err
	}
	a.closers = append(a.closers, bus.Close)
	a.bus = bus
	a.logger.Info("message bus ready", zap.String("kind", cfg.Kind))
	return nil
}

func (a *app) buildServices() error {
	lockCfg, err := config.LoadLocks()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	basketCfg, err := config.LoadBasket()
	if err != nil {
		return err
	}
	payCfg, err := config.LoadPayments()
	if err != nil {
		return err
	}
	gwCfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	outboxCfg, err := config.LoadOutbox()
	if err != nil {
		return err
	}

	var (
		locker      lock.Locker
		limiter     ratelimit.Limiter
		cart        basket.Cart
		cache       stock.Cache
		idempotency payments.IdempotencyCache
	)
	if a.redis != nil {
		locker = lock.NewRedisLocker(a.redis)
		limiter = ratelimit.NewRedisLimiter(a.redis)
		cart = basket.NewRedisCart(a.redis)
		cache = stock.NewRedisCache(a.redis, redisCfg.ProductCacheTTL)
		idempotency = payments.NewRedisIdempotencyCache(a.redis, payCfg.IdempotencyTTL)
	} else {
		locker = lock.NewMemoryLocker()
		limiter = ratelimit.NewMemoryLimiter()
		cart = basket.NewMemoryCart()
		cache = stock.NewMemoryCache(redisCfg.ProductCacheTTL)
		idempotency = payments.NewMemoryIdempotencyCache(payCfg.IdempotencyTTL)
	}

	a.locks = lock.NewManager(locker, lock.Config{
		TTL:        lockCfg.TTL,
		RetryCount: lockCfg.RetryCount,
		RetryDelay: lockCfg.RetryDelay,
	}, a.logger.Named("lock"))

	a.ledger = stock.NewLedger(a.store, a.locks, cache, a.bus, a.logger.Named("stock"))
	a.baskets = basket.NewService(a.store, a.locks, cart, limiter, basket.Config{
		RateLimit:  basketCfg.RateLimit,
		RateWindow: basketCfg.RateWindow,
	}, a.logger.Named("basket"))
	a.orders = orders.NewOrderService(a.store, a.locks, a.ledger, cart, a.bus, a.logger.Named("orders"))

	a.gateway = gateway.NewReliableGateway(
		gateway.NewFakeBank(gwCfg.Secret, gwCfg.PayURL),
		reliability.NewRateLimiter(gwCfg.RateInterval, gwCfg.RateBurst).OnWait(a.metrics.AddGatewayWait),
		reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  gwCfg.BreakerFailures,
			ResetTimeout: gwCfg.BreakerReset,
			IsFailure:    func(err error) bool { return !errors.Is(err, context.Canceled) },
		}),
		reliability.RetryPolicy{
			MaxAttempts: gwCfg.RetryAttempts,
			BaseDelay:   gwCfg.RetryBaseDelay,
			MaxDelay:    gwCfg.RetryMaxDelay,
			ShouldRetry: func(err error) bool { return errors.Is(err, domain.ErrGatewayUnavailable) },
		},
	)
	a.metrics.TrackBreaker(func() bool { return a.gateway.BreakerState() == "open" })
	a.payments = payments.NewService(a.store, a.locks, a.gateway, idempotency, a.bus, payments.Config{
		Currency:    payCfg.Currency,
		WebhookSkew: payCfg.WebhookSkew,
	}, a.logger.Named("payments"))

	a.hub = realtime.NewHub(a.logger.Named("realtime"))
	notifier := notify.Fanout{notify.NewLog(a.logger.Named("notify")), notify.NewHub(a.hub, a.logger)}

	a.dispatcher = outbox.NewDispatcher(a.store, a.locks, a.bus, notify.NewBus(a.bus, a.logger), a.metrics, outbox.Config{
		Interval:  outboxCfg.Interval,
		BatchSize: outboxCfg.BatchSize,
		LeaseTTL:  outboxCfg.LeaseTTL,
	}, a.logger.Named("outbox"))

	a.registry = events.NewRegistry()
	consumers.Register(a.registry, consumers.Deps{
		Orders:   a.orders,
		Baskets:  a.baskets,
		Payments: a.payments,
		Notifier: notifier,
		Metrics:  a.metrics,
		Logger:   a.logger.Named("consumers"),
	})
	return nil
}
