// Package classifier recognizes which ATS hosts a posting and how hard it is to automate.
package classifier

import (
	"net/url"
	"strings"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Config tunes the classifier.
type Config struct {
	// MinConfidence below which a posting is graded COMPLEX regardless of platform.
	MinConfidence float64
}

type signature struct {
	platform    apply.Platform
	hosts       []string
	hostSuffix  []string
	pathMarkers []string
	content     []string
	complexity  apply.Complexity
}

var signatures = []signature{
	{
		platform:    apply.PlatformGreenhouse,
		hosts:       []string{"boards.greenhouse.io", "job-boards.greenhouse.io"},
		hostSuffix:  []string{".greenhouse.io"},
		pathMarkers: []string{"/jobs/", "gh_jid="},
		content:     []string{"grnhse", "greenhouse.io", `id="application_form"`, "boards-api.greenhouse.io"},
		complexity:  apply.ComplexityEasy,
	},
	{
		platform:    apply.PlatformLever,
		hosts:       []string{"jobs.lever.co", "jobs.eu.lever.co"},
		hostSuffix:  []string{".lever.co"},
		pathMarkers: []string{"/apply"},
		content:     []string{"lever-application", "lever.co", "postings-btn"},
		complexity:  apply.ComplexityEasy,
	},
	{
		platform:    apply.PlatformAshby,
		hosts:       []string{"jobs.ashbyhq.com"},
		hostSuffix:  []string{".ashbyhq.com"},
		pathMarkers: []string{"/application"},
		content:     []string{"ashby-application", "ashbyhq", "_ashby"},
		complexity:  apply.ComplexityMedium,
	},
	{
		platform:    apply.PlatformICIMS,
		hostSuffix:  []string{".icims.com"},
		pathMarkers: []string{"/jobs/"},
		content:     []string{"icims", "iCIMS_"},
		complexity:  apply.ComplexityComplex,
	},
	{
		platform:    apply.PlatformWorkday,
		hostSuffix:  []string{".myworkdayjobs.com", ".myworkdaysite.com"},
		pathMarkers: []string{"/job/"},
		content:     []string{"data-automation-id", "workday", "wd-"},
		complexity:  apply.ComplexityComplex,
	},
}

// loginMarkers indicate an account wall in front of the form.
var loginMarkers = []string{`type="password"`, "create account", "sign in to apply", "log in to apply"}

// multiStepMarkers indicate a wizard spread across several pages.
var multiStepMarkers = []string{"step 1 of", "next step", `data-step=`, "progress-bar"}

// Classifier matches postings against known platform signatures.
type Classifier struct {
	cfg Config
}

// New builds a Classifier.
func New(cfg Config) *Classifier {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.6
	}
	return &Classifier{cfg: cfg}
}

// Classify grades rawURL using an optional HTML sample. Low confidence is
// always reported as COMPLEX.
func (c *Classifier) Classify(rawURL string, pageSample string) apply.Classification {
	host, path := splitURL(rawURL)
	lowerSample := strings.ToLower(pageSample)

	best := apply.Classification{Platform: apply.PlatformOther, Complexity: apply.ComplexityComplex}
	for _, sig := range signatures {
		score := sig.score(host, path, lowerSample)
		if score > best.Confidence {
			best = apply.Classification{Platform: sig.platform, Complexity: sig.complexity, Confidence: score}
		}
	}
	if best.Platform == apply.PlatformOther {
		best.Confidence = 0
		return best
	}

	if lowerSample != "" {
		switch {
		case containsAny(lowerSample, loginMarkers):
			best.Complexity = apply.ComplexityComplex
		case containsAny(lowerSample, multiStepMarkers):
			best.Complexity = escalate(best.Complexity)
		}
	}
	if best.Confidence < c.cfg.MinConfidence {
		best.Complexity = apply.ComplexityComplex
	}
	return best
}

// WithHint reconciles a classification with a platform hint from job metadata.
// Agreement raises confidence; disagreement lowers it.
func (c *Classifier) WithHint(cls apply.Classification, hint apply.Platform) apply.Classification {
	if hint == "" || hint == apply.PlatformOther {
		return cls
	}
	if cls.Platform == hint {
		cls.Confidence = minFloat(1, cls.Confidence+0.05)
		return cls
	}
	if cls.Platform == apply.PlatformOther {
		return cls
	}
	cls.Confidence /= 2
	if cls.Confidence < c.cfg.MinConfidence {
		cls.Complexity = apply.ComplexityComplex
	}
	return cls
}

func (s signature) score(host, path, sample string) float64 {
	var score float64
	switch {
	case contains(s.hosts, host):
		score = 0.9
	case hasAnySuffix(host, s.hostSuffix):
		score = 0.8
	}
	if score > 0 && containsAny(path, s.pathMarkers) {
		score += 0.05
	}
	if sample != "" && containsAny(sample, lowerAll(s.content)) {
		if score == 0 {
			score = 0.55
		} else {
			score += 0.05
		}
	}
	return minFloat(score, 1)
}

func splitURL(rawURL string) (string, string) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", ""
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return strings.ToLower(u.Hostname()), strings.ToLower(path)
}

func escalate(c apply.Complexity) apply.Complexity {
	if c == apply.ComplexityEasy {
		return apply.ComplexityMedium
	}
	return apply.ComplexityComplex
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hasAnySuffix(host string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
