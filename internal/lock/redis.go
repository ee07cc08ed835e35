package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisLocker.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLeaseLost indicates the lease expired and may belong to another owner.
var ErrLeaseLost = errors.New("lease expired before release")

// RedisLocker acquires leases with SET NX PX and releases them with a
// compare-and-delete script.
type RedisLocker struct {
	client RedisClient
}

// NewRedisLocker constructs a Redis-backed Locker.
func NewRedisLocker(client RedisClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, KeyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client RedisClient
	key    string
	token  string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{KeyPrefix + l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
