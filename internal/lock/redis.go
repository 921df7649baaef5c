// internal/lock/redis.go
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the stored token matches, so an
// expired lease cannot release a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisManager implements Manager on a shared Redis: SET NX PX for the
// lease, a compare-and-delete script for release. Keys are namespaced with
// a "lock:" prefix.
type RedisManager struct {
	rdb *redis.Client
}

// NewRedisManager wraps an already-connected client.
func NewRedisManager(rdb *redis.Client) *RedisManager {
	return &RedisManager{rdb: rdb}
}

func (m *RedisManager) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, "lock:"+name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{rdb: m.rdb, key: "lock:" + name, token: token}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %q: %w", l.key, err)
	}
	return nil
}
