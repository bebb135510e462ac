package cost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

const keyTTL = 48 * time.Hour

// RedisTracker shares daily totals across workers through Redis.
type RedisTracker struct {
	client redis.Cmdable
	cfg    Config
	prefix string
	now    nowFunc
}

// NewRedisTracker constructs a RedisTracker. Keys are written under prefix.
func NewRedisTracker(client redis.Cmdable, cfg Config, prefix string, clock apply.Clock) (*RedisTracker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "apply:cost"
	}
	return &RedisTracker{client: client, cfg: cfg, prefix: prefix, now: clockFunc(clock)}, nil
}

// Allow fails when cost would push userID over the daily cap.
func (t *RedisTracker) Allow(ctx context.Context, userID string, cost float64) error {
	spent, err := t.Spent(ctx, userID)
	if err != nil {
		return err
	}
	return check(t.cfg, userID, spent, cost)
}

// Add increments today's total and refreshes the key expiry.
func (t *RedisTracker) Add(ctx context.Context, userID string, cost float64) (float64, error) {
	key := t.key(userID)
	pipe := t.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, cost)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record spend: %w", err)
	}
	return incr.Val(), nil
}

// Spent returns today's total for userID.
func (t *RedisTracker) Spent(ctx context.Context, userID string) (float64, error) {
	val, err := t.client.Get(ctx, t.key(userID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spend: %w", err)
	}
	return val, nil
}

func (t *RedisTracker) key(userID string) string {
	return t.prefix + ":" + dayKey(userID, t.now())
}
