// Package lock provides expiring exclusive leases keyed by request ID.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements apply.Locker with SET NX PX.
type RedisLocker struct {
	client redis.Scripter
	setter redis.StringCmdable
	prefix string
}

// RedisClient is the subset of the go-redis client the locker needs.
type RedisClient interface {
	redis.Scripter
	redis.StringCmdable
}

// NewRedis builds a RedisLocker writing keys under prefix.
func NewRedis(client RedisClient, prefix string) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "apply:lock"
	}
	return &RedisLocker{client: client, setter: client, prefix: prefix}, nil
}

// Acquire takes the lease for key or returns apply.ErrLockHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (apply.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be > 0")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := l.prefix + ":" + key
	ok, err := l.setter.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, apply.ErrLockHeld
	}
	return &redisLease{client: l.client, key: full, token: token}, nil
}

type redisLease struct {
	client redis.Scripter
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
