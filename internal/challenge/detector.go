// Package challenge detects anti-automation challenges and solves them through
// an external solving service.
package challenge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

type signature struct {
	kind      apply.ChallengeKind
	selectors []string
	scripts   []string
}

var signatures = []signature{
	{
		kind:      apply.ChallengeHCaptcha,
		selectors: []string{".h-captcha", "[data-hcaptcha-widget-id]", "iframe[src*='hcaptcha.com']"},
		scripts:   []string{"hcaptcha.com/1/api.js", "js.hcaptcha.com"},
	},
	{
		kind:      apply.ChallengeTurnstile,
		selectors: []string{".cf-turnstile", "iframe[src*='challenges.cloudflare.com']"},
		scripts:   []string{"challenges.cloudflare.com/turnstile"},
	},
	{
		kind:      apply.ChallengeRecaptcha,
		selectors: []string{".g-recaptcha", "iframe[src*='google.com/recaptcha']", "iframe[src*='recaptcha.net']"},
		scripts:   []string{"google.com/recaptcha/api.js", "recaptcha.net/recaptcha/api.js", "gstatic.com/recaptcha"},
	},
}

// interstitialMarkers identify full-page blocks that no token can clear.
var interstitialMarkers = []string{
	"checking your browser before accessing",
	"verify you are human by completing the action below",
	"press & hold to confirm you are a human",
	"px-captcha",
}

// Detect inspects rendered HTML for a challenge widget and its site key.
// pageURL is recorded for the solver.
func Detect(html, pageURL string) apply.Challenge {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return apply.Challenge{}
	}
	scripts := scriptSources(doc)
	for _, sig := range signatures {
		for _, sel := range sig.selectors {
			if found := doc.Find(sel).First(); found.Length() > 0 {
				return apply.Challenge{Kind: sig.kind, SiteKey: siteKey(doc), PageURL: pageURL}
			}
		}
		for _, marker := range sig.scripts {
			if strings.Contains(scripts, marker) {
				return apply.Challenge{Kind: sig.kind, SiteKey: siteKey(doc), PageURL: pageURL}
			}
		}
	}
	lower := strings.ToLower(html)
	for _, marker := range interstitialMarkers {
		if strings.Contains(lower, marker) {
			return apply.Challenge{Kind: apply.ChallengeUnknown, PageURL: pageURL}
		}
	}
	return apply.Challenge{}
}

func scriptSources(doc *goquery.Document) string {
	var b strings.Builder
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		b.WriteString(strings.ToLower(src))
		b.WriteByte('\n')
	})
	return b.String()
}

func siteKey(doc *goquery.Document) string {
	if v, ok := doc.Find("[data-sitekey]").First().Attr("data-sitekey"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
