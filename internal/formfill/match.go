package formfill

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normalize lowercases and collapses punctuation so question text can be
// compared across sites.
func normalize(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(s), " "))
}

// containsAny reports whether any needle starts at a word boundary in the
// normalized haystack, so "city" does not match "security".
func containsAny(haystack string, needles ...string) bool {
	padded := " " + haystack
	for _, n := range needles {
		if strings.Contains(padded, " "+n) {
			return true
		}
	}
	return false
}

// fieldText is the normalized label and name of a field used for keyword matching.
func fieldText(f apply.Field) string {
	return normalize(f.Label + " " + f.Name)
}

// preAnswer looks up an exact normalized match on label or name.
func preAnswer(f apply.Field, answers map[string]string) (string, bool) {
	if len(answers) == 0 {
		return "", false
	}
	label, name := normalize(f.Label), normalize(f.Name)
	for q, a := range answers {
		nq := normalize(q)
		if nq == "" {
			continue
		}
		if nq == label || nq == name {
			return a, true
		}
	}
	return "", false
}

// profileValue maps well-known contact and identity fields onto the profile.
func profileValue(f apply.Field, p apply.Profile) (string, bool) {
	text := fieldText(f)
	var v string
	switch {
	case containsAny(text, "first name", "given name", "firstname"):
		v = p.FirstName
	case containsAny(text, "last name", "family name", "surname", "lastname"):
		v = p.LastName
	case containsAny(text, "full name", "your name") || text == "name" || strings.HasPrefix(text, "name "):
		v = p.FullName()
	case f.Type == apply.FieldEmail || containsAny(text, "email"):
		v = p.Email
	case f.Type == apply.FieldTel || containsAny(text, "phone", "telephone", "mobile"):
		v = p.Phone
	case containsAny(text, "linkedin"):
		v = p.LinkedInURL
	case containsAny(text, "github"):
		v = p.GitHubURL
	case containsAny(text, "website", "portfolio", "personal site"):
		v = p.WebsiteURL
	case containsAny(text, "current company", "current employer", "employer", "company name"):
		v = currentCompany(p)
	case containsAny(text, "current title", "job title", "current role"):
		v = currentTitle(p)
	case containsAny(text, "years of experience", "years experience"):
		if p.YearsExperience > 0 {
			v = strconv.Itoa(p.YearsExperience)
		}
	case containsAny(text, "location", "city", "where are you based") && !containsAny(text, "relocat"):
		v = p.Location
	case containsAny(text, "country"):
		v = p.Country
	}
	if v == "" {
		if a, ok := attribute(f, p); ok {
			return a, true
		}
		return "", false
	}
	return v, true
}

func attribute(f apply.Field, p apply.Profile) (string, bool) {
	if len(p.Attributes) == 0 {
		return "", false
	}
	label, name := normalize(f.Label), normalize(f.Name)
	for k, v := range p.Attributes {
		nk := normalize(k)
		if nk != "" && (nk == label || nk == name) && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

func currentCompany(p apply.Profile) string {
	if p.CurrentCompany != "" {
		return p.CurrentCompany
	}
	if len(p.Experience) > 0 {
		return p.Experience[0].Company
	}
	return ""
}

func currentTitle(p apply.Profile) string {
	if p.CurrentTitle != "" {
		return p.CurrentTitle
	}
	if len(p.Experience) > 0 {
		return p.Experience[0].Title
	}
	return ""
}

// matchOption picks the option closest to want. It only ever returns a value
// drawn from opts.
func matchOption(opts []apply.Option, want string) (string, bool) {
	nw := normalize(want)
	if nw == "" {
		return "", false
	}
	for _, o := range opts {
		if normalize(o.Value) == nw || normalize(o.Label) == nw {
			return o.Value, true
		}
	}
	wantTokens := strings.Fields(nw)
	best, bestScore := "", 0.0
	for _, o := range opts {
		label := normalize(o.Label)
		if label == "" {
			label = normalize(o.Value)
		}
		score := overlap(wantTokens, strings.Fields(label))
		if score > bestScore {
			best, bestScore = o.Value, score
		}
	}
	if bestScore >= 0.5 {
		return best, true
	}
	return "", false
}

func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	hits := 0
	for _, t := range a {
		if _, ok := set[t]; ok {
			hits++
		}
	}
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	return float64(hits) / float64(shorter)
}

// yesNoOption returns the option that reads as yes (or no).
func yesNoOption(opts []apply.Option, yes bool) (string, bool) {
	prefix := "no"
	if yes {
		prefix = "yes"
	}
	for _, o := range opts {
		label := normalize(o.Label)
		if label == "" {
			label = normalize(o.Value)
		}
		if label == prefix || strings.HasPrefix(label, prefix+" ") {
			return o.Value, true
		}
	}
	for _, o := range opts {
		v := normalize(o.Value)
		if (yes && (v == "true" || v == "1")) || (!yes && (v == "false" || v == "0")) {
			return o.Value, true
		}
	}
	return "", false
}

// declineOption finds a "prefer not to say" style option for demographic questions.
func declineOption(opts []apply.Option) (string, bool) {
	for _, o := range opts {
		label := normalize(o.Label)
		if containsAny(label, "decline", "prefer not", "do not wish", "don t wish", "not to disclose", "rather not") {
			return o.Value, true
		}
	}
	return "", false
}

var usCountries = []string{"united states", "united states of america", "usa", "us", "u s", "u s a", "america"}

// workAuthorized applies the documented default: explicit profile flag first,
// then a US country, then a location that can only be read as US. A non-US
// country leaves the answer unknown.
func workAuthorized(p apply.Profile) (bool, bool) {
	if p.WorkAuthorized != nil {
		return *p.WorkAuthorized, true
	}
	if strings.TrimSpace(p.Country) != "" {
		return isUSCountry(p.Country), isUSCountry(p.Country)
	}
	if isUSLocation(p.Location) {
		return true, true
	}
	for _, e := range p.Experience {
		if isUSLocation(e.Location) {
			return true, true
		}
	}
	return false, false
}

func requiresSponsorship(p apply.Profile) (bool, bool) {
	if p.RequiresSponsorship != nil {
		return *p.RequiresSponsorship, true
	}
	if ok, known := workAuthorized(p); known && ok {
		return false, true
	}
	return false, false
}

// usStateCodes are the postal codes that are not also ISO country codes.
// "Toronto, CA" or "Pune, IN" must not read as US, so colliding codes such as
// CA, IN, DE, and PA only count when the country is given.
var usStateCodes = map[string]bool{
	"AK": true, "CT": true, "DC": true, "FL": true, "HI": true, "IA": true,
	"KS": true, "MI": true, "NH": true, "NJ": true, "NM": true, "NV": true,
	"NY": true, "OH": true, "OK": true, "OR": true, "RI": true, "TX": true,
	"UT": true, "VT": true, "WA": true, "WI": true, "WV": true, "WY": true,
}

var usStateNames = []string{
	"alabama", "alaska", "arizona", "arkansas", "california", "colorado", "connecticut",
	"delaware", "district of columbia", "florida", "hawaii", "idaho", "illinois",
	"indiana", "iowa", "kansas", "kentucky", "louisiana", "maine", "maryland",
	"massachusetts", "michigan", "minnesota", "mississippi", "missouri", "montana",
	"nebraska", "nevada", "new hampshire", "new jersey", "new mexico", "new york",
	"north carolina", "north dakota", "ohio", "oklahoma", "oregon", "pennsylvania",
	"rhode island", "south carolina", "south dakota", "tennessee", "texas", "utah",
	"vermont", "virginia", "washington", "west virginia", "wisconsin", "wyoming",
}

func isUSCountry(country string) bool {
	n := normalize(country)
	for _, c := range usCountries {
		if n == c {
			return true
		}
	}
	return false
}

// isUSLocation reads the last comma-separated part of loc: a US country
// name, a full state name, or an unambiguous state code after a city.
func isUSLocation(loc string) bool {
	parts := strings.Split(loc, ",")
	if len(parts) < 2 {
		return isUSCountry(loc)
	}
	last := strings.TrimSpace(parts[len(parts)-1])
	if isUSCountry(last) {
		return true
	}
	n := normalize(last)
	for _, name := range usStateNames {
		if n == name {
			return true
		}
	}
	return usStateCodes[last]
}

func isAuthorizationQuestion(text string) bool {
	return containsAny(text, "authorized to work", "authorised to work", "legally authorized", "eligible to work", "right to work", "work authorization")
}

func isSponsorshipQuestion(text string) bool {
	return containsAny(text, "sponsorship", "sponsor", "visa")
}

func isConsent(text string) bool {
	return containsAny(text, "agree", "consent", "acknowledge", "privacy", "terms", "certify", "confirm", "accurate")
}

func isDemographic(text string) bool {
	return containsAny(text, "gender", "race", "ethnicity", "veteran", "disability", "hispanic", "sexual orientation", "pronoun")
}

func isResume(text string) bool {
	return containsAny(text, "resume", "cv", "curriculum vitae")
}

// isQuestion reports whether a free-text field asks for a composed answer
// rather than a discrete fact.
func isQuestion(f apply.Field) bool {
	if f.Type == apply.FieldTextarea {
		return true
	}
	if f.Type != apply.FieldText {
		return false
	}
	label := strings.ToLower(strings.TrimSpace(f.Label))
	if strings.Contains(label, "?") {
		return true
	}
	for _, prefix := range []string{"why ", "describe", "tell us", "what ", "how ", "explain", "please share", "cover letter"} {
		if strings.HasPrefix(label, prefix) {
			return true
		}
	}
	return false
}
