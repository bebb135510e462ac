// Package browser manages a bounded pool of isolated browser sessions.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// Driver is one live, isolated browser tab.
type Driver interface {
	apply.Page
	// Healthy reports whether the tab still responds.
	Healthy(ctx context.Context) bool
	// Reset wipes cookies, storage, and page state left by the last lease.
	Reset(ctx context.Context) error
	Close() error
}

// Factory launches a new Driver.
type Factory interface {
	Launch(ctx context.Context) (Driver, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Driver, error)

// Launch calls f.
func (f FactoryFunc) Launch(ctx context.Context) (Driver, error) {
	return f(ctx)
}

// State is a session's lifecycle position.
type State string

// Session states.
const (
	StateIdle   State = "IDLE"
	StateBusy   State = "BUSY"
	StateClosed State = "CLOSED"
)

// Session wraps a Driver with pool bookkeeping.
type Session struct {
	ID       string
	state    State
	driver   Driver
	created  time.Time
	lastUsed time.Time
}

// Page returns the session's page.
func (s *Session) Page() apply.Page {
	return s.driver
}

// PoolConfig bounds the pool.
type PoolConfig struct {
	MaxSessions      int
	AcquireTimeout   time.Duration
	IdleTTL          time.Duration
	ReapInterval     time.Duration
	HealthTimeout    time.Duration
	LaunchRetries    int
	LaunchRetryDelay time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 2
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 60 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 3 * time.Second
	}
	if c.LaunchRetries < 0 {
		c.LaunchRetries = 0
	}
	if c.LaunchRetryDelay <= 0 {
		c.LaunchRetryDelay = time.Second
	}
	return c
}

// Pool hands out at most MaxSessions sessions at a time.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	logger  *zap.Logger
	now     func() time.Time

	slots chan struct{}

	mu     sync.Mutex
	idle   []*Session
	busy   map[string]*Session
	seq    int
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPool constructs a pool and starts its idle reaper.
func NewPool(cfg PoolConfig, factory Factory, logger *zap.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("browser factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		now:     time.Now,
		slots:   make(chan struct{}, cfg.MaxSessions),
		busy:    make(map[string]*Session),
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reapLoop()
	return p, nil
}

// Acquire returns an idle healthy session or launches one. It waits at most
// AcquireTimeout for a free slot and fails with SITE_TIMEOUT after that.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case p.slots <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire browser session: %w", ctx.Err())
		}
		return nil, apply.Errorf(apply.KindSiteTimeout, "no browser session free after %s", p.cfg.AcquireTimeout)
	}
	metrics.ObserveAcquireWait(time.Since(start))

	for {
		s, ok, err := p.popIdle()
		if err != nil {
			<-p.slots
			return nil, err
		}
		if !ok {
			break
		}
		if p.now().Sub(s.lastUsed) > p.cfg.IdleTTL || !p.healthy(ctx, s) {
			p.destroy(s, "stale")
			continue
		}
		p.markBusy(s)
		return s, nil
	}

	driver, err := p.launch(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = driver.Close()
		<-p.slots
		return nil, ErrPoolClosed
	}
	p.seq++
	now := p.now()
	s := &Session{ID: fmt.Sprintf("session-%d", p.seq), driver: driver, created: now, lastUsed: now}
	p.mu.Unlock()
	p.markBusy(s)
	p.logger.Debug("browser session launched", zap.String("session_id", s.ID))
	return s, nil
}

// Release returns s to the pool after a health check and a reset, so the
// next lease never sees another request's cookies. Releasing a session that
// is not busy is a no-op.
func (p *Pool) Release(ctx context.Context, s *Session) {
	if !p.unmarkBusy(s) {
		return
	}
	defer func() { <-p.slots }()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || !p.healthy(ctx, s) {
		p.destroy(s, "unhealthy")
		return
	}
	if err := p.reset(ctx, s); err != nil {
		p.logger.Warn("reset browser session", zap.String("session_id", s.ID), zap.Error(err))
		p.destroy(s, "reset failed")
		return
	}

	p.mu.Lock()
	s.state = StateIdle
	s.lastUsed = p.now()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.publishStats()
}

// Discard closes s instead of returning it to the pool.
func (p *Pool) Discard(s *Session) {
	if !p.unmarkBusy(s) {
		return
	}
	p.destroy(s, "discarded")
	<-p.slots
}

// With runs fn on a leased page and reclaims the session on every exit path.
// A panic inside fn discards the session and surfaces as an UNKNOWN error.
func (p *Pool) With(ctx context.Context, fn func(ctx context.Context, page apply.Page) error) (err error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during browser session", zap.String("session_id", s.ID), zap.Any("panic", r))
			p.Discard(s)
			err = apply.Errorf(apply.KindUnknown, "browser session panic: %v", r)
			return
		}
		p.Release(ctx, s)
	}()
	return fn(ctx, s.driver)
}

// Stats reports the idle and busy session counts.
func (p *Pool) Stats() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.busy)
}

// Close stops the reaper and closes idle sessions. Busy sessions close on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	for _, s := range idle {
		p.destroy(s, "shutdown")
	}
}

func (p *Pool) launch(ctx context.Context) (Driver, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.LaunchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.cfg.LaunchRetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("launch browser: %w", ctx.Err())
			}
		}
		driver, err := p.factory.Launch(ctx)
		if err == nil {
			return driver, nil
		}
		lastErr = err
		p.logger.Warn("browser launch failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, apply.WithKind(apply.KindNetworkTransient, fmt.Errorf("launch browser: %w", lastErr))
}

func (p *Pool) popIdle() (*Session, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, false, nil
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return s, true, nil
}

func (p *Pool) markBusy(s *Session) {
	p.mu.Lock()
	s.state = StateBusy
	p.busy[s.ID] = s
	p.mu.Unlock()
	p.publishStats()
}

func (p *Pool) unmarkBusy(s *Session) bool {
	if s == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[s.ID]; !ok || s.state != StateBusy {
		return false
	}
	delete(p.busy, s.ID)
	return true
}

func (p *Pool) healthy(ctx context.Context, s *Session) bool {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.HealthTimeout)
	defer cancel()
	return s.driver.Healthy(hctx)
}

func (p *Pool) reset(ctx context.Context, s *Session) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.HealthTimeout)
	defer cancel()
	return s.driver.Reset(rctx)
}

func (p *Pool) destroy(s *Session, reason string) {
	p.mu.Lock()
	s.state = StateClosed
	p.mu.Unlock()
	if err := s.driver.Close(); err != nil {
		p.logger.Warn("close browser session", zap.String("session_id", s.ID), zap.Error(err))
	}
	p.logger.Debug("browser session closed", zap.String("session_id", s.ID), zap.String("reason", reason))
	p.publishStats()
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

func (p *Pool) reap() {
	cutoff := p.now().Add(-p.cfg.IdleTTL)
	p.mu.Lock()
	var expired []*Session
	kept := p.idle[:0]
	for _, s := range p.idle {
		if s.lastUsed.Before(cutoff) {
			expired = append(expired, s)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	p.mu.Unlock()
	for _, s := range expired {
		p.destroy(s, "idle")
	}
}

func (p *Pool) publishStats() {
	idle, busy := p.Stats()
	metrics.SetBrowserSessions(idle, busy)
}
