package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// URLGuard rejects URLs that did not pass trust validation.
type URLGuard interface {
	Validate(raw string) (string, error)
}

// Pacer delays navigation to respect per-host rate limits.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// ProxyConfig routes browser traffic through an authenticated proxy.
type ProxyConfig struct {
	Server   string
	Username string
	Password string
}

// ChromeConfig controls how Chrome sessions are launched and driven.
type ChromeConfig struct {
	Headless          bool
	RemoteURL         string
	UserAgent         string
	Proxy             ProxyConfig
	NavigationTimeout time.Duration
	StepTimeout       time.Duration
	SettleDelay       time.Duration
}

// Chrome launches isolated Chrome instances through chromedp. With RemoteURL
// set it attaches to an existing browser's debugging endpoint instead.
type Chrome struct {
	cfg         ChromeConfig
	guard       URLGuard
	pacer       Pacer
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	// Remote browsers are shared; each session gets its own browser
	// context under this connection.
	remoteMu     sync.Mutex
	remote       context.Context
	remoteCancel context.CancelFunc
}

// NewChrome creates the shared allocator. guard is required.
func NewChrome(cfg ChromeConfig, guard URLGuard, pacer Pacer, logger *zap.Logger) (*Chrome, error) {
	if guard == nil {
		return nil, errors.New("url guard is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 15 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		if cfg.Headless {
			opts = append(opts, chromedp.Flag("headless", "new"))
		} else {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		if cfg.Proxy.Server != "" {
			opts = append(opts, chromedp.ProxyServer(cfg.Proxy.Server))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	return &Chrome{
		cfg:         cfg,
		guard:       guard,
		pacer:       pacer,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator, terminating any browser it started.
func (c *Chrome) Close() {
	c.remoteMu.Lock()
	if c.remoteCancel != nil {
		c.remoteCancel()
	}
	c.remoteMu.Unlock()
	c.allocCancel()
}

// remoteBrowser connects to the remote endpoint once and returns the
// browser-level context that sessions derive their browser contexts from.
func (c *Chrome) remoteBrowser() (context.Context, error) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	if c.remote != nil && c.remote.Err() == nil {
		return c.remote, nil
	}
	browserCtx, cancel := chromedp.NewContext(c.allocator)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("connect remote browser: %w", err)
	}
	c.remote, c.remoteCancel = browserCtx, cancel
	return browserCtx, nil
}

// Launch opens a session tab. A local allocator starts a separate browser
// with a throwaway profile; a remote browser gets a fresh browser context
// per session. Reset clears state between leases of the same tab.
func (c *Chrome) Launch(ctx context.Context) (Driver, error) {
	parent := c.allocator
	var opts []chromedp.ContextOption
	if c.cfg.RemoteURL != "" {
		browserCtx, err := c.remoteBrowser()
		if err != nil {
			return nil, err
		}
		parent = browserCtx
		opts = append(opts, chromedp.WithNewBrowserContext())
	}
	tabCtx, tabCancel := chromedp.NewContext(parent, opts...)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)
	if c.cfg.Proxy.Username != "" {
		chromedp.ListenTarget(tabCtx, c.proxyAuthListener(tabCtx))
	}

	// The first Run allocates the browser and must use the undecorated tab
	// context; a timeout there would tear the browser down when it fired.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx, c.setupAction()) }()

	timer := time.NewTimer(c.cfg.NavigationTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-timer.C:
		tabCancel()
		return nil, apply.Errorf(apply.KindSiteTimeout, "start browser: timed out after %s", c.cfg.NavigationTimeout)
	case <-ctx.Done():
		tabCancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	return &chromePage{chrome: c, tab: tabCtx, cancel: tabCancel, meta: meta}, nil
}

func (c *Chrome) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if c.cfg.Proxy.Username != "" {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		return nil
	})
}

func (c *Chrome) proxyAuthListener(tabCtx context.Context) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				execCtx := cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
				if err := fetch.ContinueRequest(e.RequestID).Do(execCtx); err != nil {
					c.logger.Debug("continue paused request", zap.Error(err))
				}
			}()
		case *fetch.EventAuthRequired:
			go func() {
				execCtx := cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: c.cfg.Proxy.Username,
					Password: c.cfg.Proxy.Password,
				}
				if err := fetch.ContinueWithAuth(e.RequestID, resp).Do(execCtx); err != nil {
					c.logger.Debug("answer proxy auth", zap.Error(err))
				}
			}()
		}
	}
}

type chromePage struct {
	chrome *Chrome
	tab    context.Context
	cancel context.CancelFunc
	meta   *responseMeta

	mu      sync.Mutex
	origins map[string]struct{}
}

// step derives a bounded context on the tab that also ends with the caller's.
func (p *chromePage) step(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	stepCtx, cancel := context.WithTimeout(p.tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return stepCtx, func() {
		stop()
		cancel()
	}
}

func (p *chromePage) run(ctx context.Context, timeout time.Duration, what string, actions ...chromedp.Action) error {
	stepCtx, cancel := p.step(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(stepCtx, actions...); err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return apply.WithKind(apply.KindSiteTimeout, fmt.Errorf("%s: %w", what, err))
		}
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (p *chromePage) Navigate(ctx context.Context, rawURL string) error {
	target, err := p.chrome.guard.Validate(rawURL)
	if err != nil {
		return err
	}
	if p.chrome.pacer != nil {
		if err := p.chrome.pacer.Wait(ctx, target); err != nil {
			return err
		}
	}
	p.remember(target)
	p.meta.reset()
	if err := p.run(ctx, p.chrome.cfg.NavigationTimeout, "navigate",
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.chrome.cfg.SettleDelay),
	); err != nil {
		return err
	}
	return statusError(p.meta.status())
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, p.chrome.cfg.StepTimeout, "read html",
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, p.chrome.cfg.StepTimeout, "read location", chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *chromePage) Fill(ctx context.Context, field apply.Field, value string) error {
	what := "fill " + field.Name
	switch field.Type {
	case apply.FieldSelect:
		return p.run(ctx, p.chrome.cfg.StepTimeout, what,
			chromedp.WaitReady(field.Selector, chromedp.ByQuery),
			chromedp.SetValue(field.Selector, value, chromedp.ByQuery),
			chromedp.Evaluate(dispatchChangeJS(field.Selector), nil),
		)
	case apply.FieldRadio:
		sel := optionSelector(field, value)
		return p.run(ctx, p.chrome.cfg.StepTimeout, what,
			chromedp.WaitReady(sel, chromedp.ByQuery),
			chromedp.Click(sel, chromedp.ByQuery),
		)
	case apply.FieldCheckbox:
		sel := field.Selector
		want := truthy(value)
		if len(field.Options) > 0 {
			sel = optionSelector(field, value)
			want = true
		}
		var checked bool
		if err := p.run(ctx, p.chrome.cfg.StepTimeout, what,
			chromedp.WaitReady(sel, chromedp.ByQuery),
			chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s).checked", jsString(sel)), &checked),
		); err != nil {
			return err
		}
		if checked == want {
			return nil
		}
		return p.run(ctx, p.chrome.cfg.StepTimeout, what, chromedp.Click(sel, chromedp.ByQuery))
	case apply.FieldDate, apply.FieldNumber:
		return p.run(ctx, p.chrome.cfg.StepTimeout, what,
			chromedp.WaitReady(field.Selector, chromedp.ByQuery),
			chromedp.SetValue(field.Selector, value, chromedp.ByQuery),
			chromedp.Evaluate(dispatchChangeJS(field.Selector), nil),
		)
	default:
		return p.run(ctx, p.chrome.cfg.StepTimeout, what,
			chromedp.WaitReady(field.Selector, chromedp.ByQuery),
			chromedp.SetValue(field.Selector, "", chromedp.ByQuery),
			chromedp.SendKeys(field.Selector, value, chromedp.ByQuery),
		)
	}
}

func (p *chromePage) Upload(ctx context.Context, field apply.Field, path string) error {
	return p.run(ctx, p.chrome.cfg.StepTimeout, "upload "+field.Name,
		chromedp.WaitReady(field.Selector, chromedp.ByQuery),
		chromedp.SetUploadFiles(field.Selector, []string{path}, chromedp.ByQuery),
	)
}

const submitSelector = `button[type="submit"], input[type="submit"], #submit_app, [data-qa="btn-submit"], button.application-submit`

func (p *chromePage) Submit(ctx context.Context) error {
	if err := p.run(ctx, p.chrome.cfg.StepTimeout, "find submit",
		chromedp.WaitReady(submitSelector, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("%w: %w", apply.ErrNotSubmitted, err)
	}
	p.meta.reset()
	if err := p.run(ctx, p.chrome.cfg.NavigationTimeout, "submit",
		chromedp.Click(submitSelector, chromedp.ByQuery),
		chromedp.Sleep(p.chrome.cfg.SettleDelay),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return err
	}
	return statusError(p.meta.status())
}

func (p *chromePage) ApplyChallengeToken(ctx context.Context, challenge apply.Challenge, token string) error {
	var field string
	switch challenge.Kind {
	case apply.ChallengeRecaptcha:
		field = "g-recaptcha-response"
	case apply.ChallengeHCaptcha:
		field = "h-captcha-response"
	case apply.ChallengeTurnstile:
		field = "cf-turnstile-response"
	default:
		return &apply.ChallengeUnsolvedError{Kind: challenge.Kind, Reason: "no token slot for challenge"}
	}
	script := fmt.Sprintf(`(function(name, token) {
  var els = document.querySelectorAll('[name="' + name + '"], #' + name);
  if (els.length === 0) {
    var ta = document.createElement('textarea');
    ta.name = name;
    ta.style.display = 'none';
    (document.forms[0] || document.body).appendChild(ta);
    els = [ta];
  }
  for (var i = 0; i < els.length; i++) { els[i].value = token; }
  var holder = document.querySelector('[data-callback]');
  if (holder && typeof window[holder.getAttribute('data-callback')] === 'function') {
    window[holder.getAttribute('data-callback')](token);
  }
  return true;
})(%s, %s)`, jsString(field), jsString(token))
	return p.run(ctx, p.chrome.cfg.StepTimeout, "apply challenge token", chromedp.Evaluate(script, nil))
}

func (p *chromePage) Healthy(ctx context.Context) bool {
	if p.tab.Err() != nil {
		return false
	}
	var out int
	stepCtx, cancel := p.step(ctx, p.chrome.cfg.StepTimeout)
	defer cancel()
	return chromedp.Run(stepCtx, chromedp.Evaluate("1+1", &out)) == nil && out == 2
}

func (p *chromePage) remember(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.origins == nil {
		p.origins = make(map[string]struct{})
	}
	p.origins[u.Scheme+"://"+u.Host] = struct{}{}
}

// Reset leaves the current page and clears cookies, cache, and per-origin
// storage for every origin the tab visited.
func (p *chromePage) Reset(ctx context.Context) error {
	if loc, err := p.URL(ctx); err == nil {
		p.remember(loc)
	}
	p.mu.Lock()
	origins := make([]string, 0, len(p.origins))
	for o := range p.origins {
		origins = append(origins, o)
	}
	p.origins = nil
	p.mu.Unlock()

	return p.run(ctx, p.chrome.cfg.StepTimeout, "reset session",
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.ClearBrowserCookies().Do(ctx); err != nil {
				return fmt.Errorf("clear cookies: %w", err)
			}
			if err := network.ClearBrowserCache().Do(ctx); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			for _, origin := range origins {
				if err := storage.ClearDataForOrigin(origin, "all").Do(ctx); err != nil {
					return fmt.Errorf("clear storage for %s: %w", origin, err)
				}
			}
			return nil
		}),
	)
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// statusError maps the document response status onto an error kind.
func statusError(status int) error {
	switch {
	case status == 0 || status < 400:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return apply.Errorf(apply.KindPostingClosed, "posting returned status %d", status)
	case status == http.StatusTooManyRequests:
		return apply.Errorf(apply.KindRateLimited, "site returned status %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apply.Errorf(apply.KindAuthorizationRequired, "site returned status %d", status)
	case status >= 500:
		return apply.Errorf(apply.KindNetworkTransient, "site returned status %d", status)
	default:
		return apply.Errorf(apply.KindUnknown, "site returned status %d", status)
	}
}

func optionSelector(field apply.Field, value string) string {
	return fmt.Sprintf(`input[name="%s"][value="%s"]`, cssEscape(field.Name), cssEscape(value))
}

func dispatchChangeJS(sel string) string {
	return fmt.Sprintf(`(function(){var el=document.querySelector(%s);if(el){el.dispatchEvent(new Event('input',{bubbles:true}));el.dispatchEvent(new Event('change',{bubbles:true}));}return true;})()`, jsString(sel))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "y", "1", "on", "checked":
		return true
	default:
		return false
	}
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func jsString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\u2028", `\u2028`, "\u2029", `\u2029`)
	return "'" + r.Replace(s) + "'"
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}
