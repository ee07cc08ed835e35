// Package lock provides leased, named mutual exclusion for shared resources.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"storefront/internal/reliability"

	"go.uber.org/zap"
)

// ErrLockUnavailable is returned when a lease could not be acquired within the
// retry budget. Callers may retry.
var ErrLockUnavailable = errors.New("lock unavailable")

// ErrNotAcquired is returned by a Locker when the key is held by someone else.
var ErrNotAcquired = errors.New("lock held by another owner")

// KeyPrefix namespaces every lease in the backing store.
const KeyPrefix = "locks:"

// Lease is a held lock.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker makes a single acquisition attempt.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Config controls lease duration and acquisition retries.
type Config struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// DefaultConfig mirrors a short redlock-style setup.
func DefaultConfig() Config {
	return Config{
		TTL:        5 * time.Second,
		RetryCount: 3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Manager runs critical sections under leased locks.
type Manager struct {
	locker Locker
	ttl    time.Duration
	retry  reliability.RetryPolicy
	logger *zap.Logger
}

// NewManager constructs a Manager over locker.
func NewManager(locker Locker, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Manager{
		locker: locker,
		ttl:    cfg.TTL,
		logger: logger,
		retry: reliability.RetryPolicy{
			MaxAttempts: cfg.RetryCount + 1,
			BaseDelay:   cfg.RetryDelay,
			Fixed:       true,
			Jitter:      reliability.NoJitter,
			ShouldRetry: func(err error) bool { return errors.Is(err, ErrNotAcquired) },
		},
	}
}

// WithLock runs fn while holding key for the default lease TTL.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return m.WithLockTimeout(ctx, key, m.ttl, fn)
}

// WithLockTimeout runs fn while holding key. fn receives a context that ends
// when the lease expires. The lease is released on every exit path, including
// a panic in fn.
func (m *Manager) WithLockTimeout(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	lease, err := m.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer m.release(lease)

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(runCtx)
}

// WithLocks acquires every key in sorted order, runs fn, then releases in
// reverse order. Duplicate keys are acquired once.
func (m *Manager) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	sorted := uniqueSorted(keys)
	leases := make([]Lease, 0, len(sorted))
	defer func() {
		for i := len(leases) - 1; i >= 0; i-- {
			m.release(leases[i])
		}
	}()
	for _, key := range sorted {
		lease, err := m.acquire(ctx, key, m.ttl)
		if err != nil {
			return err
		}
		leases = append(leases, lease)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.ttl)
	defer cancel()
	return fn(runCtx)
}

func (m *Manager) acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	var lease Lease
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		l, err := m.locker.TryAcquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %s", ErrLockUnavailable, key)
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return lease, nil
}

func (m *Manager) release(lease Lease) {
	// The caller's context may already be done; release must still reach the store.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		m.logger.Warn("lock release failed", zap.String("key", lease.Key()), zap.Error(err))
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
