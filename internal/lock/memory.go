package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// MemoryLocker is a single-process Locker for local development and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemory builds a MemoryLocker.
func NewMemory() *MemoryLocker {
	return &MemoryLocker{
		now:    time.Now,
		leases: make(map[string]memoryEntry),
	}
}

// Acquire takes the lease for key unless an unexpired lease exists.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (apply.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be > 0")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, apply.ErrLockHeld
	}
	l.leases[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{owner: l, key: key, token: token}, nil
}

type memoryLease struct {
	owner *MemoryLocker
	key   string
	token string
}

func (m *memoryLease) Release(context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if cur, ok := m.owner.leases[m.key]; ok && cur.token == m.token {
		delete(m.owner.leases, m.key)
	}
	return nil
}
