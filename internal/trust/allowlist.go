package trust

import "strings"

// DefaultHosts lists the ATS hosts trusted when no allow-list is configured.
var DefaultHosts = []string{
	"boards.greenhouse.io",
	"job-boards.greenhouse.io",
	"*.greenhouse.io",
	"jobs.lever.co",
	"*.lever.co",
	"*.icims.com",
	"*.myworkdayjobs.com",
	"*.myworkdaysite.com",
	"jobs.ashbyhq.com",
	"*.ashbyhq.com",
}

// hostPatterns stores exact hosts and suffix wildcards derived from configuration.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns []string) *hostPatterns {
	matcher := &hostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	return matcher
}

func (p *hostPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// Match reports whether host is an exact entry or lives strictly under a
// wildcard suffix. A bare suffix only matches when listed exactly.
func (p *hostPatterns) Match(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func (p *hostPatterns) empty() bool {
	return p == nil || (len(p.exact) == 0 && len(p.suffixes) == 0)
}
