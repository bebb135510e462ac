// Package cost meters paid operations against a per-user daily cap.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Config controls the spend cap.
type Config struct {
	// DailyLimit is the per-user cap in account currency. Zero disables the cap.
	DailyLimit float64
}

type nowFunc func() time.Time

// MemoryTracker keeps daily totals in process memory.
type MemoryTracker struct {
	mu     sync.Mutex
	cfg    Config
	now    nowFunc
	totals map[string]float64
}

// NewMemoryTracker constructs a MemoryTracker using clock for day boundaries.
func NewMemoryTracker(cfg Config, clock apply.Clock) *MemoryTracker {
	return &MemoryTracker{
		cfg:    cfg,
		now:    clockFunc(clock),
		totals: make(map[string]float64),
	}
}

// Allow fails when cost would push userID over the daily cap.
func (t *MemoryTracker) Allow(_ context.Context, userID string, cost float64) error {
	t.mu.Lock()
	spent := t.totals[dayKey(userID, t.now())]
	t.mu.Unlock()
	return check(t.cfg, userID, spent, cost)
}

// Add records spend for today.
func (t *MemoryTracker) Add(_ context.Context, userID string, cost float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := dayKey(userID, t.now())
	t.totals[key] += cost
	return t.totals[key], nil
}

// Spent returns today's total for userID.
func (t *MemoryTracker) Spent(_ context.Context, userID string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[dayKey(userID, t.now())], nil
}

func check(cfg Config, userID string, spent, cost float64) error {
	if cfg.DailyLimit <= 0 {
		return nil
	}
	if spent+cost > cfg.DailyLimit {
		return &apply.BudgetExceededError{UserID: userID, Spent: spent, Cost: cost, Limit: cfg.DailyLimit}
	}
	return nil
}

func dayKey(userID string, now time.Time) string {
	return userID + ":" + now.UTC().Format("2006-01-02")
}

func clockFunc(clock apply.Clock) nowFunc {
	if clock == nil {
		return func() time.Time { return time.Now().UTC() }
	}
	return clock.Now
}
