// Package trust gates every URL the engine is allowed to navigate to.
package trust

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Validator checks URLs against the ATS allow-list.
type Validator struct {
	hosts *hostPatterns
}

// New builds a Validator. An empty pattern list falls back to DefaultHosts.
func New(patterns []string) *Validator {
	hosts := newHostPatterns(patterns)
	if hosts.empty() {
		hosts = newHostPatterns(DefaultHosts)
	}
	return &Validator{hosts: hosts}
}

// Validate returns the normalized form of rawURL or an *apply.UntrustedDomainError.
func (v *Validator) Validate(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", untrusted(rawURL, "empty url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", untrusted(rawURL, "malformed url")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", untrusted(rawURL, "https required")
	}
	if u.User != nil {
		return "", untrusted(rawURL, "embedded credentials")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", untrusted(rawURL, "missing host")
	}
	if net.ParseIP(host) != nil {
		return "", untrusted(rawURL, "ip literal hosts are not allowed")
	}
	if port := u.Port(); port != "" && port != "443" {
		return "", untrusted(rawURL, "non-standard port")
	}
	if !v.hosts.Match(host) {
		return "", untrusted(rawURL, fmt.Sprintf("host %s is not on the allow-list", host))
	}
	normalized, err := NormalizeURL(trimmed)
	if err != nil {
		return "", untrusted(rawURL, "malformed url")
	}
	return normalized, nil
}

// Allowed is a boolean convenience around Validate.
func (v *Validator) Allowed(rawURL string) bool {
	_, err := v.Validate(rawURL)
	return err == nil
}

func untrusted(rawURL, reason string) error {
	return &apply.UntrustedDomainError{URL: apply.Sanitize(rawURL), Reason: reason}
}

// NormalizeURL standardizes a URL so equal postings compare equal.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}
