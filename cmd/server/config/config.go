// Package config loads process settings from the environment.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// App holds process-wide settings.
type App struct {
	Env      string `envconfig:"APP_ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Development reports whether the process runs in development mode.
func (a App) Development() bool {
	return strings.EqualFold(a.Env, "development")
}

// Database holds Postgres settings. An empty URL selects the in-memory store.
type Database struct {
	URL          string        `envconfig:"DATABASE_URL"`
	MaxOpenConns int           `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	AutoMigrate  bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	// ListenNotify wakes the outbox dispatcher on LISTEN payment_outbox.
	ListenNotify bool `envconfig:"DB_LISTEN_NOTIFY" default:"true"`
}

// Redis holds connection and behavior settings. An empty URL selects
// in-memory locks, limiter, cart and caches.
type Redis struct {
	URL                string        `envconfig:"REDIS_URL"`
	DialTimeout        time.Duration `envconfig:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout        time.Duration `envconfig:"REDIS_READ_TIMEOUT"`
	WriteTimeout       time.Duration `envconfig:"REDIS_WRITE_TIMEOUT"`
	PoolSize           int           `envconfig:"REDIS_POOL_SIZE"`
	MinIdleConns       int           `envconfig:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries         int           `envconfig:"REDIS_MAX_RETRIES"`
	HealthcheckTimeout time.Duration `envconfig:"REDIS_HEALTHCHECK_TIMEOUT" default:"2s"`
	ProductCacheTTL    time.Duration `envconfig:"REDIS_PRODUCT_CACHE_TTL" default:"5m"`
	EnableOTel         bool          `envconfig:"REDIS_OTEL"`

	TLSCAFile             string `envconfig:"REDIS_TLS_CA_FILE"`
	TLSCertFile           string `envconfig:"REDIS_TLS_CERT_FILE"`
	TLSKeyFile            string `envconfig:"REDIS_TLS_KEY_FILE"`
	TLSServerName         string `envconfig:"REDIS_TLS_SERVER_NAME"`
	TLSInsecureSkipVerify *bool  `envconfig:"REDIS_TLS_INSECURE_SKIP_VERIFY"`

	TLSConfig *tls.Config `ignored:"true"`
}

// Enabled reports whether Redis is configured.
func (r Redis) Enabled() bool {
	return r.URL != ""
}

// GRPC holds the listener and ingress rate limiting settings.
type GRPC struct {
	Addr              string        `envconfig:"GRPC_ADDR" default:":50051"`
	RateLimitInterval time.Duration `envconfig:"GRPC_RATE_LIMIT_INTERVAL" default:"1ms"`
	RateLimitBurst    int           `envconfig:"GRPC_RATE_LIMIT_BURST" default:"200"`
	Reflection        bool          `envconfig:"GRPC_REFLECTION"`
}

// HTTP holds the address for the webhook, metrics and websocket listener.
type HTTP struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"5s"`
}

// Locks holds lease settings.
type Locks struct {
	TTL        time.Duration `envconfig:"LOCK_TTL" default:"5s"`
	RetryCount int           `envconfig:"LOCK_RETRY_COUNT" default:"3"`
	RetryDelay time.Duration `envconfig:"LOCK_RETRY_DELAY" default:"200ms"`
}

// Basket holds the cart mutation rate limit.
type Basket struct {
	RateLimit  int           `envconfig:"BASKET_RATE_LIMIT" default:"5"`
	RateWindow time.Duration `envconfig:"BASKET_RATE_WINDOW" default:"1m"`
}

// Payments holds payment saga settings.
type Payments struct {
	Currency       string        `envconfig:"PAYMENT_CURRENCY" default:"IRR"`
	WebhookSkew    time.Duration `envconfig:"PAYMENT_WEBHOOK_SKEW" default:"5m"`
	IdempotencyTTL time.Duration `envconfig:"PAYMENT_IDEMPOTENCY_TTL" default:"1h"`
}

// Gateway holds the bank adapter and its reliability client settings.
type Gateway struct {
	Secret          string        `envconfig:"BANK_SECRET"`
	PayURL          string        `envconfig:"BANK_PAY_URL"`
	RateInterval    time.Duration `envconfig:"GATEWAY_RATE_INTERVAL" default:"50ms"`
	RateBurst       int           `envconfig:"GATEWAY_RATE_BURST" default:"10"`
	BreakerFailures int           `envconfig:"GATEWAY_BREAKER_FAILURES" default:"5"`
	BreakerReset    time.Duration `envconfig:"GATEWAY_BREAKER_RESET" default:"30s"`
	RetryAttempts   int           `envconfig:"GATEWAY_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"GATEWAY_RETRY_BASE_DELAY" default:"200ms"`
	RetryMaxDelay   time.Duration `envconfig:"GATEWAY_RETRY_MAX_DELAY" default:"2s"`
}

// Outbox holds dispatcher settings.
type Outbox struct {
	Interval  time.Duration `envconfig:"OUTBOX_INTERVAL" default:"2s"`
	BatchSize int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	LeaseTTL  time.Duration `envconfig:"OUTBOX_LEASE_TTL" default:"30s"`
}

// Bus kinds.
const (
	BusMemory   = "memory"
	BusRabbitMQ = "rabbitmq"
	BusKafka    = "kafka"
)

// Bus selects and configures the message transport.
type Bus struct {
	Kind           string   `envconfig:"BUS_KIND" default:"memory"`
	RabbitURL      string   `envconfig:"RABBITMQ_URL"`
	RabbitExchange string   `envconfig:"RABBITMQ_EXCHANGE" default:"storefront.events"`
	RabbitQueue    string   `envconfig:"RABBITMQ_QUEUE" default:"storefront"`
	RabbitPrefetch int      `envconfig:"RABBITMQ_PREFETCH" default:"16"`
	KafkaBrokers   []string `envconfig:"KAFKA_BROKERS"`
	KafkaGroupID   string   `envconfig:"KAFKA_GROUP_ID" default:"storefront"`
}

// LoadDotenv loads the given files, or .env, into the environment. Missing
// files are ignored and variables already set win.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func process[T any]() (T, error) {
	var cfg T
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func nonNegative(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	return nil
}

// LoadApp reads process settings.
func LoadApp() (App, error) {
	return process[App]()
}

// LoadDatabase reads Postgres settings.
func LoadDatabase() (Database, error) {
	cfg, err := process[Database]()
	if err != nil {
		return cfg, err
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	return cfg, nil
}

// LoadRedis reads Redis settings and builds the TLS config when any
// REDIS_TLS_* variable is set.
func LoadRedis() (Redis, error) {
	cfg, err := process[Redis]()
	if err != nil {
		return cfg, err
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	for name, d := range map[string]time.Duration{
		"REDIS_DIAL_TIMEOUT":        cfg.DialTimeout,
		"REDIS_READ_TIMEOUT":        cfg.ReadTimeout,
		"REDIS_WRITE_TIMEOUT":       cfg.WriteTimeout,
		"REDIS_HEALTHCHECK_TIMEOUT": cfg.HealthcheckTimeout,
	} {
		if err := nonNegative(name, d); err != nil {
			return cfg, err
		}
	}
	if cfg.PoolSize < 0 || cfg.MinIdleConns < 0 || cfg.MaxRetries < 0 {
		return cfg, errors.New("REDIS_POOL_SIZE, REDIS_MIN_IDLE_CONNS and REDIS_MAX_RETRIES must be >= 0")
	}
	if cfg.TLSConfig, err = cfg.loadTLS(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (r Redis) loadTLS() (*tls.Config, error) {
	caFile := strings.TrimSpace(r.TLSCAFile)
	certFile := strings.TrimSpace(r.TLSCertFile)
	keyFile := strings.TrimSpace(r.TLSKeyFile)
	serverName := strings.TrimSpace(r.TLSServerName)

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && r.TLSInsecureSkipVerify == nil {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if r.TLSInsecureSkipVerify != nil {
		tlsConfig.InsecureSkipVerify = *r.TLSInsecureSkipVerify
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// LoadGRPC reads the gRPC listener and ingress rate limit settings.
func LoadGRPC() (GRPC, error) {
	cfg, err := process[GRPC]()
	if err != nil {
		return cfg, err
	}
	if err := nonNegative("GRPC_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst < 0 {
		return cfg, errors.New("GRPC_RATE_LIMIT_BURST must be >= 0")
	}
	return cfg, nil
}

// LoadHTTP reads the HTTP listener settings.
func LoadHTTP() (HTTP, error) {
	return process[HTTP]()
}

// LoadLocks reads lease settings.
func LoadLocks() (Locks, error) {
	cfg, err := process[Locks]()
	if err != nil {
		return cfg, err
	}
	if cfg.TTL <= 0 {
		return cfg, errors.New("LOCK_TTL must be > 0")
	}
	return cfg, nil
}

// LoadBasket reads the cart rate limit.
func LoadBasket() (Basket, error) {
	return process[Basket]()
}

// LoadPayments reads payment saga settings.
func LoadPayments() (Payments, error) {
	return process[Payments]()
}

// LoadGateway reads the bank adapter settings. BANK_SECRET is required.
func LoadGateway() (Gateway, error) {
	cfg, err := process[Gateway]()
	if err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return cfg, errors.New("BANK_SECRET is required")
	}
	return cfg, nil
}

// LoadOutbox reads dispatcher settings.
func LoadOutbox() (Outbox, error) {
	cfg, err := process[Outbox]()
	if err != nil {
		return cfg, err
	}
	if cfg.Interval <= 0 || cfg.BatchSize <= 0 {
		return cfg, errors.New("OUTBOX_INTERVAL and OUTBOX_BATCH_SIZE must be > 0")
	}
	return cfg, nil
}

// LoadBus reads the transport selection and validates what it needs.
func LoadBus() (Bus, error) {
	cfg, err := process[Bus]()
	if err != nil {
		return cfg, err
	}
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	if cfg.Kind == "" {
		cfg.Kind = BusMemory
	}
	switch cfg.Kind {
	case BusMemory:
	case BusRabbitMQ:
		if cfg.RabbitURL == "" {
			return cfg, errors.New("RABBITMQ_URL is required for BUS_KIND=rabbitmq")
		}
	case BusKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return cfg, errors.New("KAFKA_BROKERS is required for BUS_KIND=kafka")
		}
	default:
		return cfg, fmt.Errorf("unknown BUS_KIND %q", cfg.Kind)
	}
	return cfg, nil
}
