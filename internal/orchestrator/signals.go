package orchestrator

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

type confirmation struct {
	paths []string
	text  []string
}

// confirmations are the positive post-submit signals per platform.
var confirmations = map[apply.Platform]confirmation{
	apply.PlatformGreenhouse: {
		paths: []string{"/confirmation"},
		text:  []string{"thank you for applying", "application has been submitted", "we have received your application"},
	},
	apply.PlatformLever: {
		paths: []string{"/thanks"},
		text:  []string{"application submitted", "thanks for applying", "we've received your application"},
	},
	apply.PlatformAshby: {
		text: []string{"thanks for applying", "application was successfully submitted", "your application has been submitted"},
	},
	apply.PlatformICIMS: {
		text: []string{"application has been received", "submission complete"},
	},
	apply.PlatformWorkday: {
		text: []string{"you have successfully applied", "application submitted", "successfully submitted"},
	},
}

var (
	closedMarkers = []string{
		"no longer accepting applications",
		"job is no longer available",
		"position has been filled",
		"this job posting has expired",
		"posting is closed",
		"job not found",
	}
	loginMarkers = []string{
		"sign in to apply",
		"log in to apply",
		"create an account to apply",
		"please sign in to continue",
	}
	appliedMarkers = []string{
		"you have already applied",
		"already submitted an application",
		"already applied for this",
		"duplicate application",
	}
	confirmationPattern = regexp.MustCompile(`(?i)(?:confirmation|reference|application)\s*(?:number|no\.?|id|#)\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{3,})`)
	passwordInput       = regexp.MustCompile(`(?i)<input[^>]+type\s*=\s*["']?password`)
)

// pageBlockers fails for postings that are closed or behind an account wall.
func pageBlockers(html string) error {
	lower := strings.ToLower(html)
	for _, m := range closedMarkers {
		if strings.Contains(lower, m) {
			return apply.Errorf(apply.KindPostingClosed, "posting closed: %q", m)
		}
	}
	for _, m := range loginMarkers {
		if strings.Contains(lower, m) {
			return apply.Errorf(apply.KindAuthorizationRequired, "login required: %q", m)
		}
	}
	if passwordInput.MatchString(html) {
		return apply.Errorf(apply.KindAuthorizationRequired, "login form in front of application")
	}
	return nil
}

// applyPageURL returns the platform's dedicated application page for a
// posting URL, or "" when the platform has none.
func applyPageURL(p apply.Platform, posting string) string {
	u, err := url.Parse(posting)
	if err != nil {
		return ""
	}
	var suffix string
	switch p {
	case apply.PlatformLever:
		suffix = "/apply"
	case apply.PlatformAshby:
		suffix = "/application"
	default:
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	if strings.HasSuffix(path, suffix) {
		return ""
	}
	u.Path = path + suffix
	u.RawQuery = ""
	return u.String()
}

func hasSignal(p apply.Platform) bool {
	_, ok := confirmations[p]
	return ok
}

func confirmed(p apply.Platform, pageURL, html string) bool {
	sig, ok := confirmations[p]
	if !ok {
		return false
	}
	if u, err := url.Parse(pageURL); err == nil {
		path := strings.ToLower(u.Path)
		for _, marker := range sig.paths {
			if strings.Contains(path, marker) {
				return true
			}
		}
	}
	lower := strings.ToLower(html)
	for _, marker := range sig.text {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func alreadyApplied(html string) bool {
	lower := strings.ToLower(html)
	for _, m := range appliedMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func confirmationRef(html string) string {
	m := confirmationPattern.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
