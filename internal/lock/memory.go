package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a process-local Locker with lease expiry.
type MemoryLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs an in-memory Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		now:    time.Now,
		leases: make(map[string]memoryEntry),
	}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.leases[key]; ok && now.Before(entry.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.leases[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

// Held reports whether key currently has a live lease.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.leases[key]
	return ok && l.now().Before(entry.expires)
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	entry, ok := l.locker.leases[l.key]
	if !ok || entry.token != l.token {
		return ErrLeaseLost
	}
	delete(l.locker.leases, l.key)
	return nil
}
