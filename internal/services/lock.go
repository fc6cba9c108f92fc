package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock is the mutual-exclusion primitive behind per-payer nonce
// acquisition. Implementations must offer atomic conditional-set-with-expiry
// so multiple service instances coordinate correctly. The lease bounds how
// long a crashed holder can block other acquirers.
//
// Ownership is per acquisition: TryLock hands back a token and Unlock
// releases only the acquisition that token belongs to. A holder whose lease
// expired cannot release the lock from whoever re-acquired it.
type DistributedLock interface {
	// TryLock attempts to take the lock without blocking. On success it
	// returns a non-empty owner token; on contention it returns "".
	TryLock(ctx context.Context, key string, lease time.Duration) (string, error)

	// Unlock releases the lock if token still owns it. Unlocking with a
	// stale token is a no-op, not an error.
	Unlock(ctx context.Context, key, token string) error
}

// unlockScript deletes the lock only if the stored owner token matches, so an
// expired holder cannot release a lock re-acquired by someone else.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements DistributedLock on SET NX PX with an owner token.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock creates a lock manager on an existing Redis connection.
func NewRedisLock(cache *RedisCache) *RedisLock {
	return &RedisLock{client: cache.Client()}
}

func (l *RedisLock) TryLock(ctx context.Context, key string, lease time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (l *RedisLock) Unlock(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	return unlockScript.Run(ctx, l.client, []string{key}, token).Err()
}

type localLease struct {
	token string
	until time.Time
}

// LocalLock is an in-process DistributedLock for tests and single-instance
// deployments.
type LocalLock struct {
	mu     sync.Mutex
	leases map[string]localLease
}

func NewLocalLock() *LocalLock {
	return &LocalLock{leases: make(map[string]localLease)}
}

func (l *LocalLock) TryLock(ctx context.Context, key string, lease time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.leases[key]; ok && time.Now().Before(held.until) {
		return "", nil
	}
	token := uuid.NewString()
	l.leases[key] = localLease{token: token, until: time.Now().Add(lease)}
	return token, nil
}

func (l *LocalLock) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.leases[key]; ok && held.token == token {
		delete(l.leases, key)
	}
	return nil
}
