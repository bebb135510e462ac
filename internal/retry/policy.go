// Package retry classifies attempt failures and decides whether and when to retry.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math"
	"math/big"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Config controls the retry policy.
type Config struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	RateLimitMinDelay  time.Duration
	TimeoutMultiplier  float64
	UnknownMaxAttempts int
}

// Context carries what the classifier knows about the request being retried.
type Context struct {
	// Attempt is the 1-based number of the attempt that just failed.
	Attempt     int
	MaxAttempts int
	PriorKind   apply.ErrorKind
}

// Decision is the single verdict the worker acts on.
type Decision struct {
	Kind        apply.ErrorKind
	Retryable   bool
	Exhausted   bool
	VerifyOnly  bool
	BackoffHint time.Duration
}

// Policy implements classification plus jittered exponential backoff.
type Policy struct {
	cfg Config
}

// New builds a Policy, filling unset knobs with defaults.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Minute
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.RateLimitMinDelay <= 0 {
		cfg.RateLimitMinDelay = 5 * time.Minute
	}
	if cfg.TimeoutMultiplier < 1 {
		cfg.TimeoutMultiplier = 2
	}
	if cfg.UnknownMaxAttempts <= 0 {
		cfg.UnknownMaxAttempts = 2
	}
	return &Policy{cfg: cfg}
}

// MaxAttempts returns the configured attempt bound.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Classify maps err to a Decision. It is the only place retry eligibility is decided.
func (p *Policy) Classify(err error, rc Context) Decision {
	kind := KindOf(err)
	d := Decision{Kind: kind}
	maxAttempts := rc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}

	switch kind {
	case apply.KindNetworkTransient, apply.KindSiteTimeout, apply.KindRateLimited:
		d.Retryable = true
	case apply.KindFormSchemaMismatch:
		d.Retryable = rc.PriorKind != apply.KindFormSchemaMismatch
	case apply.KindVerificationAmbiguous:
		d.Retryable = rc.PriorKind != apply.KindVerificationAmbiguous
		d.VerifyOnly = d.Retryable
	case apply.KindUnknown:
		d.Retryable = rc.Attempt < p.cfg.UnknownMaxAttempts
	default:
		d.Retryable = false
	}

	// Verify-only re-checks never resubmit, so they are not bound by the attempt cap.
	if d.Retryable && !d.VerifyOnly && rc.Attempt >= maxAttempts {
		d.Retryable = false
		d.Exhausted = true
	}
	if d.Retryable {
		d.BackoffHint = p.Backoff(kind, rc.Attempt)
	}
	return d
}

// Backoff returns the wait before the attempt following attempt (1-based).
// The value lies in [d/2, d) where d = base*2^(attempt-1), capped at MaxDelay,
// so successive attempts never wait less until the cap is reached.
func (p *Policy) Backoff(kind apply.ErrorKind, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.cfg.BaseDelay)
	if kind == apply.KindSiteTimeout {
		base *= p.cfg.TimeoutMultiplier
	}
	delay := base * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	out := half + randomJitter(half)
	if kind == apply.KindRateLimited && out < p.cfg.RateLimitMinDelay {
		out = p.cfg.RateLimitMinDelay + randomJitter(p.cfg.RateLimitMinDelay/10)
	}
	return out
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// KindOf extracts or infers the ErrorKind of err.
func KindOf(err error) apply.ErrorKind {
	if err == nil {
		return ""
	}
	var kindErr *apply.KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}
	var (
		untrusted  *apply.UntrustedDomainError
		incomplete *apply.IncompleteProfileError
		unsolved   *apply.ChallengeUnsolvedError
		budget     *apply.BudgetExceededError
		manual     *apply.ManualReviewRequiredError
	)
	switch {
	case errors.As(err, &untrusted):
		return apply.KindUntrustedURL
	case errors.As(err, &incomplete):
		return apply.KindIncompleteProfile
	case errors.As(err, &unsolved):
		return apply.KindChallengeUnsolvable
	case errors.As(err, &budget):
		return apply.KindBudgetExceeded
	case errors.As(err, &manual):
		return apply.KindManualReview
	case errors.Is(err, context.DeadlineExceeded):
		return apply.KindSiteTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apply.KindSiteTimeout
		}
		return apply.KindNetworkTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return apply.KindNetworkTransient
	}
	return kindFromText(err.Error())
}

func kindFromText(msg string) apply.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return apply.KindRateLimited
	case strings.Contains(lower, "net::err_timed_out") || strings.Contains(lower, "timeout"):
		return apply.KindSiteTimeout
	case strings.Contains(lower, "net::err_"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "websocket: close"), strings.Contains(lower, "no such host"):
		return apply.KindNetworkTransient
	default:
		return apply.KindUnknown
	}
}
