package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"storefront/cmd/server/config"
	adaptergrpc "storefront/internal/adapters/grpc"
	adapterhttp "storefront/internal/adapters/http"
	"storefront/internal/db/migrations"
	"storefront/internal/db/postgres"
	"storefront/internal/events"
	"storefront/internal/outbox"
	"storefront/internal/reliability"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const loggerKey = "logger"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "storefront:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "storefront",
		Usage: "order and payment saga coordinator",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "env-file",
				Usage:   "dotenv files to load before reading the environment",
				EnvVars: []string{"ENV_FILE"},
			},
		},
		Before: func(c *cli.Context) error {
			if err := config.LoadDotenv(c.StringSlice("env-file")...); err != nil {
				return err
			}
			appCfg, err := config.LoadApp()
			if err != nil {
				return err
			}
			logger, err := newLogger(appCfg)
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]any{loggerKey: logger}
			return nil
		},
		After: func(c *cli.Context) error {
			_ = loggerFrom(c).Sync()
			return nil
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the gRPC and HTTP servers, consumers and the outbox dispatcher",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply or roll back database migrations",
				Subcommands: []*cli.Command{
					{Name: "up", Usage: "apply all pending migrations", Action: migrateAction(migrations.Up)},
					{Name: "down", Usage: "roll back every migration", Action: migrateAction(migrations.Down)},
				},
			},
			{
				Name:  "dispatch-outbox",
				Usage: "publish one batch of pending payment outbox rows and exit",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "batch", Usage: "rows per pass, defaults to OUTBOX_BATCH_SIZE"},
				},
				Action: dispatchOutbox,
			},
		},
	}
}

func loggerFrom(c *cli.Context) *zap.Logger {
	if logger, ok := c.App.Metadata[loggerKey].(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

type starter interface {
	Start(ctx context.Context, reg *events.Registry) error
}

func serve(c *cli.Context) error {
	logger := loggerFrom(c)
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	appCfg, err := config.LoadApp()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	server := grpc.NewServer(
		grpc.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, a.metrics, logger.Named("grpc"))),
		grpc.StreamInterceptor(rateLimitStreamInterceptor(limiter, a.metrics, logger.Named("grpc"))),
	)
	adaptergrpc.Register(server, adaptergrpc.NewServer(adaptergrpc.Services{
		Stock:    a.ledger,
		Baskets:  a.baskets,
		Orders:   a.orders,
		Payments: a.payments,
	}, logger.Named("grpc")))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(adaptergrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if grpcCfg.Reflection || appCfg.Development() {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled")
	}

	httpSrv := &http.Server{
		Addr: httpCfg.Addr,
		Handler: adapterhttp.NewRouter(adapterhttp.Deps{
			Webhooks: a.payments,
			Metrics:  a.metrics,
			Hub:      a.hub,
			Logger:   logger.Named("http"),
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})

	// The in-process bus drops messages without subscribers, so consumers
	// subscribe before anything can publish.
	if s, ok := a.bus.(starter); ok {
		if err := s.Start(gctx, a.registry); err != nil {
			return fmt.Errorf("start consumers: %w", err)
		}
	} else {
		g.Go(func() error { return a.bus.Consume(gctx, a.registry) })
	}

	g.Go(func() error { return a.dispatcher.Run(gctx) })
	if a.pool != nil {
		listener := outbox.NewListener(a.pool, logger.Named("outbox"))
		g.Go(func() error { return listener.Listen(gctx, a.dispatcher.Wake) })
	}

	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", grpcCfg.Addr))
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", httpCfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		a.metrics.MarkShutdown()
		healthServer.SetServingStatus(adaptergrpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpCfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func migrateAction(apply func(*sql.DB) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		logger := loggerFrom(c)
		cfg, err := config.LoadDatabase()
		if err != nil {
			return err
		}
		if cfg.URL == "" {
			return errors.New("DATABASE_URL is required for migrations")
		}
		db, err := postgres.Open(c.Context, cfg.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := apply(db.DB); err != nil {
			return fmt.Errorf("migrate %s: %w", c.Command.Name, err)
		}
		logger.Info("migrations applied", zap.String("direction", c.Command.Name))
		return nil
	}
}

func dispatchOutbox(c *cli.Context) error {
	logger := loggerFrom(c)
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	batch := c.Int("batch")
	if batch <= 0 {
		cfg, err := config.LoadOutbox()
		if err != nil {
			return err
		}
		batch = cfg.BatchSize
	}

	a, err := buildApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, ok, err := a.dispatcher.RunOnce(ctx, batch)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("outbox lease held by another dispatcher, nothing done")
		return nil
	}
	logger.Info("outbox pass complete",
		zap.Int("published", res.Published),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return nil
}
