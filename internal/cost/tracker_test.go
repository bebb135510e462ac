package cost

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestMemoryTrackerEnforcesDailyCap(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	tr := NewMemoryTracker(Config{DailyLimit: 1.0}, clock)
	ctx := context.Background()

	require.NoError(t, tr.Allow(ctx, "u1", 0.6))
	_, err := tr.Add(ctx, "u1", 0.6)
	require.NoError(t, err)

	err = tr.Allow(ctx, "u1", 0.6)
	var budget *apply.BudgetExceededError
	require.ErrorAs(t, err, &budget)
	require.InDelta(t, 0.6, budget.Spent, 1e-9)

	// Other users are unaffected.
	require.NoError(t, tr.Allow(ctx, "u2", 0.6))

	// A new day resets the total.
	clock.now = clock.now.Add(24 * time.Hour)
	require.NoError(t, tr.Allow(ctx, "u1", 0.6))
}

func TestMemoryTrackerZeroLimitDisablesCap(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTracker(Config{}, nil)
	require.NoError(t, tr.Allow(context.Background(), "u1", 1e6))
}

func TestRedisTrackerSharesTotals(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	a, err := NewRedisTracker(client, Config{DailyLimit: 0.05}, "test:cost", clock)
	require.NoError(t, err)
	b, err := NewRedisTracker(client, Config{DailyLimit: 0.05}, "test:cost", clock)
	require.NoError(t, err)
	ctx := context.Background()

	total, err := a.Add(ctx, "u1", 0.03)
	require.NoError(t, err)
	require.InDelta(t, 0.03, total, 1e-9)

	spent, err := b.Spent(ctx, "u1")
	require.NoError(t, err)
	require.InDelta(t, 0.03, spent, 1e-9)

	var budget *apply.BudgetExceededError
	require.ErrorAs(t, b.Allow(ctx, "u1", 0.03), &budget)
	require.NoError(t, b.Allow(ctx, "u1", 0.01))

	require.True(t, mr.Exists("test:cost:u1:2026-03-01"))
	require.Positive(t, mr.TTL("test:cost:u1:2026-03-01"))
}
