// Package routing decides whether a classified posting is automated or sent to manual review.
package routing

import (
	"fmt"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Config tunes routing thresholds.
type Config struct {
	// MinConfidence below which postings go straight to manual review.
	MinConfidence float64
	// BorderlineConfidence marks the upper edge of the borderline band.
	// Postings in [MinConfidence, BorderlineConfidence) are attempted with
	// BorderlineMaxAttempts.
	BorderlineConfidence  float64
	BorderlineMaxAttempts int
	// AutomateComplex lets COMPLEX postings through when confidence is high.
	AutomateComplex bool
}

// Route is the admission verdict for a posting.
type Route struct {
	Automate    bool
	MaxAttempts int
	Reason      string
}

// Policy maps classifications to routes.
type Policy struct {
	cfg Config
}

// New creates a Policy with defaults for unset thresholds.
func New(cfg Config) *Policy {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.6
	}
	if cfg.BorderlineConfidence < cfg.MinConfidence {
		cfg.BorderlineConfidence = cfg.MinConfidence
	}
	if cfg.BorderlineMaxAttempts <= 0 {
		cfg.BorderlineMaxAttempts = 2
	}
	return &Policy{cfg: cfg}
}

// Decide returns the route for cls. maxAttempts is the default attempt budget.
func (p *Policy) Decide(cls apply.Classification, maxAttempts int) Route {
	if cls.Confidence < p.cfg.MinConfidence {
		return Route{Reason: fmt.Sprintf("platform confidence %.2f below %.2f", cls.Confidence, p.cfg.MinConfidence)}
	}
	if cls.Complexity == apply.ComplexityComplex && !p.cfg.AutomateComplex {
		return Route{Reason: fmt.Sprintf("%s postings are not automated", cls.Platform)}
	}
	if cls.Confidence < p.cfg.BorderlineConfidence && maxAttempts > p.cfg.BorderlineMaxAttempts {
		maxAttempts = p.cfg.BorderlineMaxAttempts
	}
	return Route{Automate: true, MaxAttempts: maxAttempts}
}
