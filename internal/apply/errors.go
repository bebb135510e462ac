package apply

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind is the classification attached to a failed attempt.
type ErrorKind string

// Error kinds understood by the retry policy.
const (
	KindNetworkTransient      ErrorKind = "NETWORK_TRANSIENT"
	KindSiteTimeout           ErrorKind = "SITE_TIMEOUT"
	KindFormSchemaMismatch    ErrorKind = "FORM_SCHEMA_MISMATCH"
	KindChallengeUnsolvable   ErrorKind = "CHALLENGE_UNSOLVABLE"
	KindAuthorizationRequired ErrorKind = "AUTHORIZATION_REQUIRED"
	KindRateLimited           ErrorKind = "RATE_LIMITED"
	KindBudgetExceeded        ErrorKind = "BUDGET_EXCEEDED"
	KindIncompleteProfile     ErrorKind = "INCOMPLETE_PROFILE"
	KindUntrustedURL          ErrorKind = "UNTRUSTED_URL"
	KindManualReview          ErrorKind = "MANUAL_REVIEW"
	KindPostingClosed         ErrorKind = "POSTING_CLOSED"
	KindVerificationAmbiguous ErrorKind = "VERIFICATION_AMBIGUOUS"
	KindUnknown               ErrorKind = "UNKNOWN"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLockHeld is returned when another worker holds the request lock.
var ErrLockHeld = errors.New("lock held by another worker")

// ErrNotSubmitted marks a Submit failure that happened before the form was
// sent, so a full retry cannot produce a second application.
var ErrNotSubmitted = errors.New("form not submitted")

// DuplicateRequestError reports a blocking request for the same user and job.
type DuplicateRequestError struct {
	UserID     string
	JobID      string
	ExistingID string
	// RequestID is the ID assigned to the rejected request, persisted as DUPLICATE.
	RequestID string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate request for user %s job %s (existing %s)", e.UserID, e.JobID, e.ExistingID)
}

// UntrustedDomainError reports a URL that failed the trust check.
type UntrustedDomainError struct {
	URL    string
	Reason string
}

func (e *UntrustedDomainError) Error() string {
	return fmt.Sprintf("untrusted url: %s", e.Reason)
}

// IncompleteProfileError names a required field nothing could answer.
type IncompleteProfileError struct {
	Field string
	Label string
}

func (e *IncompleteProfileError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("profile cannot answer required field %q (%s)", e.Field, e.Label)
	}
	return fmt.Sprintf("profile cannot answer required field %q", e.Field)
}

// ChallengeUnsolvedError reports a challenge the solver could not clear.
type ChallengeUnsolvedError struct {
	Kind   ChallengeKind
	Reason string
}

func (e *ChallengeUnsolvedError) Error() string {
	return fmt.Sprintf("challenge %s unsolved: %s", e.Kind, e.Reason)
}

// BudgetExceededError reports that a user's daily spend cap would be exceeded.
type BudgetExceededError struct {
	UserID string
	Spent  float64
	Cost   float64
	Limit  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily budget exceeded for user %s: spent %.4f + %.4f > %.4f", e.UserID, e.Spent, e.Cost, e.Limit)
}

// ManualReviewRequiredError reports a posting that should not be automated.
type ManualReviewRequiredError struct {
	Reason string
}

func (e *ManualReviewRequiredError) Error() string {
	return "manual application required: " + e.Reason
}

// KindError attaches an explicit classification to an error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind wraps err with an explicit kind. A nil err yields nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

var (
	credentialURL = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`)
	secretParam   = regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password|key|sig)=)[^&\s"']+`)
	bearerToken   = regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._~+/=-]+`)
	filePath      = regexp.MustCompile(`(?:/(?:home|root|tmp|var|usr|etc|opt|Users|private)(?:/[^\s:"']+)+)|(?:[A-Za-z]:\\[^\s:"']+)`)
)

// Sanitize strips credentials, secrets, and local filesystem paths from
// error text before it leaves the process.
func Sanitize(msg string) string {
	msg = credentialURL.ReplaceAllString(msg, "${1}[redacted]@")
	msg = secretParam.ReplaceAllString(msg, "${1}[redacted]")
	msg = bearerToken.ReplaceAllString(msg, "${1}[redacted]")
	msg = filePath.ReplaceAllString(msg, "[path]")
	return strings.TrimSpace(msg)
}

// UserMessage renders the actionable reason shown to users for a kind.
func UserMessage(kind ErrorKind, detail string) string {
	switch kind {
	case KindBudgetExceeded:
		return "temporarily paused: daily automation budget reached"
	case KindChallengeUnsolvable, KindAuthorizationRequired, KindFormSchemaMismatch,
		KindManualReview, KindIncompleteProfile:
		if detail == "" {
			return "manual application required"
		}
		return "manual application required: " + Sanitize(detail)
	default:
		return Sanitize(detail)
	}
}
