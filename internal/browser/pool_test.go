package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

type fakeDriver struct {
	id       int
	healthy  atomic.Bool
	closed   atomic.Bool
	resets   atomic.Int32
	resetErr atomic.Bool
}

func (d *fakeDriver) Navigate(context.Context, string) error                       { return nil }
func (d *fakeDriver) HTML(context.Context) (string, error)                         { return "<html></html>", nil }
func (d *fakeDriver) URL(context.Context) (string, error)                          { return "https://jobs.lever.co/x", nil }
func (d *fakeDriver) Fill(context.Context, apply.Field, string) error              { return nil }
func (d *fakeDriver) Upload(context.Context, apply.Field, string) error            { return nil }
func (d *fakeDriver) Submit(context.Context) error                                 { return nil }
func (d *fakeDriver) ApplyChallengeToken(context.Context, apply.Challenge, string) error { return nil }
func (d *fakeDriver) Healthy(context.Context) bool                                 { return d.healthy.Load() && !d.closed.Load() }
func (d *fakeDriver) Reset(context.Context) error {
	d.resets.Add(1)
	if d.resetErr.Load() {
		return errors.New("clear cookies: target closed")
	}
	return nil
}
func (d *fakeDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	launched []*fakeDriver
	failures int
}

func (f *fakeFactory) Launch(context.Context) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("chrome failed to start")
	}
	d := &fakeDriver{id: len(f.launched) + 1}
	d.healthy.Store(true)
	f.launched = append(f.launched, d)
	return d, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func newTestPool(t *testing.T, cfg PoolConfig, f *fakeFactory) *Pool {
	t.Helper()
	p, err := NewPool(cfg, f, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPoolReusesHealthySession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 1}, f)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, s1)

	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, s1.ID, s2.ID)
	require.Equal(t, 1, f.count())
	require.EqualValues(t, 1, f.launched[0].resets.Load(), "state is wiped before the next lease")
	p.Release(ctx, s2)
}

func TestPoolDiscardsSessionThatFailsReset(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 1}, f)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	f.launched[0].resetErr.Store(true)
	p.Release(ctx, s1)
	require.True(t, f.launched[0].closed.Load())

	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, s1.ID, s2.ID)
	require.Equal(t, 2, f.count())
	p.Release(ctx, s2)
}

func TestPoolReplacesUnhealthySession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 1}, f)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	f.launched[0].healthy.Store(false)
	p.Release(ctx, s1)
	require.True(t, f.launched[0].closed.Load())

	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, s1.ID, s2.ID)
	require.Equal(t, 2, f.count())
}

func TestPoolNeverExceedsCap(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 2, AcquireTimeout: 50 * time.Millisecond}, f)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	var kerr *apply.KindError
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, apply.KindSiteTimeout, kerr.Kind)

	idle, busy := p.Stats()
	require.Equal(t, 0, idle)
	require.Equal(t, 2, busy)

	p.Release(ctx, s1)
	s3, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, s2)
	p.Release(ctx, s3)
}

func TestPoolDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireTimeout: 50 * time.Millisecond}, f)
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, s)
	p.Release(ctx, s)

	idle, busy := p.Stats()
	require.Equal(t, 1, idle)
	require.Equal(t, 0, busy)

	// The slot was only freed once, so a single acquire still succeeds.
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(ctx, s2)
}

func TestPoolWithReleasesOnPanic(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireTimeout: 50 * time.Millisecond}, f)
	ctx := context.Background()

	err := p.With(ctx, func(context.Context, apply.Page) error {
		panic("boom")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.True(t, f.launched[0].closed.Load())

	err = p.With(ctx, func(context.Context, apply.Page) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, f.count())
}

func TestPoolWithReturnsCallbackError(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 1}, f)

	want := errors.New("form broke")
	err := p.With(context.Background(), func(context.Context, apply.Page) error { return want })
	require.ErrorIs(t, err, want)

	idle, busy := p.Stats()
	require.Equal(t, 1, idle)
	require.Equal(t, 0, busy)
}

func TestPoolLaunchRetries(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{failures: 2}
	p := newTestPool(t, PoolConfig{MaxSessions: 1, LaunchRetries: 2, LaunchRetryDelay: time.Millisecond}, f)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s)
}

func TestPoolLaunchFailureFreesSlot(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{failures: 1}
	p := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireTimeout: 50 * time.Millisecond}, f)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s)
}

func TestPoolReapsIdleSessions(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, PoolConfig{MaxSessions: 1, IdleTTL: 10 * time.Millisecond, ReapInterval: 5 * time.Millisecond}, f)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s)

	require.Eventually(t, func() bool {
		idle, _ := p.Stats()
		return idle == 0 && f.launched[0].closed.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestPoolAcquireAfterClose(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p, err := NewPool(PoolConfig{MaxSessions: 1}, f, nil)
	require.NoError(t, err)
	p.Close()

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	cases := map[int]apply.ErrorKind{
		404: apply.KindPostingClosed,
		410: apply.KindPostingClosed,
		429: apply.KindRateLimited,
		403: apply.KindAuthorizationRequired,
		503: apply.KindNetworkTransient,
	}
	for code, kind := range cases {
		err := statusError(code)
		var kerr *apply.KindError
		require.ErrorAs(t, err, &kerr, "status %d", code)
		require.Equal(t, kind, kerr.Kind)
	}
	require.NoError(t, statusError(0))
	require.NoError(t, statusError(200))
}

func TestJSStringEscapes(t *testing.T) {
	t.Parallel()

	require.Equal(t, `'it\'s'`, jsString("it's"))
	require.Equal(t, `'a\\b'`, jsString(`a\b`))
	require.Equal(t, `input[name="q[\"x\"]"][value="yes"]`, optionSelector(apply.Field{Name: `q["x"]`}, "yes"))
}
