// Package apply defines core types shared across the application engine subsystems.
package apply

import (
	"strings"
	"time"
)

// Platform identifies the applicant tracking system hosting a posting.
type Platform string

// Known ATS platforms.
const (
	PlatformGreenhouse Platform = "GREENHOUSE"
	PlatformLever      Platform = "LEVER"
	PlatformICIMS      Platform = "ICIMS"
	PlatformWorkday    Platform = "WORKDAY"
	PlatformAshby      Platform = "ASHBY"
	PlatformOther      Platform = "OTHER"
)

// ParsePlatform maps loose input onto a Platform, defaulting to PlatformOther.
func ParsePlatform(raw string) Platform {
	switch Platform(strings.ToUpper(strings.TrimSpace(raw))) {
	case PlatformGreenhouse:
		return PlatformGreenhouse
	case PlatformLever:
		return PlatformLever
	case PlatformICIMS:
		return PlatformICIMS
	case PlatformWorkday:
		return PlatformWorkday
	case PlatformAshby:
		return PlatformAshby
	default:
		return PlatformOther
	}
}

// Status represents the lifecycle state of an apply request.
type Status string

// Request status values persisted in the request store.
const (
	StatusQueued    Status = "QUEUED"
	StatusActive    Status = "ACTIVE"
	StatusSubmitted Status = "SUBMITTED"
	StatusFailed    Status = "FAILED"
	StatusDuplicate Status = "DUPLICATE"
)

// Blocking reports whether a request in this status prevents a new request
// for the same user and job.
func (s Status) Blocking() bool {
	return s == StatusQueued || s == StatusActive || s == StatusSubmitted
}

// Terminal reports whether no further attempts will run.
func (s Status) Terminal() bool {
	return s == StatusSubmitted || s == StatusFailed || s == StatusDuplicate
}

// Complexity grades how hard a posting is to automate.
type Complexity string

// Complexity grades.
const (
	ComplexityEasy    Complexity = "EASY"
	ComplexityMedium  Complexity = "MEDIUM"
	ComplexityComplex Complexity = "COMPLEX"
)

// Classification is the classifier verdict for a posting.
type Classification struct {
	Platform   Platform   `json:"platform"`
	Complexity Complexity `json:"complexity"`
	Confidence float64    `json:"confidence"`
}

// Profile is the frozen snapshot of applicant facts used for one attempt.
type Profile struct {
	FirstName           string            `json:"first_name" validate:"required"`
	LastName            string            `json:"last_name" validate:"required"`
	Email               string            `json:"email" validate:"required,email"`
	Phone               string            `json:"phone,omitempty"`
	Location            string            `json:"location,omitempty"`
	Country             string            `json:"country,omitempty"`
	LinkedInURL         string            `json:"linkedin_url,omitempty" validate:"omitempty,url"`
	GitHubURL           string            `json:"github_url,omitempty" validate:"omitempty,url"`
	WebsiteURL          string            `json:"website_url,omitempty" validate:"omitempty,url"`
	CurrentTitle        string            `json:"current_title,omitempty"`
	CurrentCompany      string            `json:"current_company,omitempty"`
	YearsExperience     int               `json:"years_experience,omitempty" validate:"gte=0"`
	WorkAuthorized      *bool             `json:"work_authorized,omitempty"`
	RequiresSponsorship *bool             `json:"requires_sponsorship,omitempty"`
	Summary             string            `json:"summary,omitempty"`
	Skills              []string          `json:"skills,omitempty"`
	Experience          []Experience      `json:"experience,omitempty" validate:"dive"`
	Education           []Education       `json:"education,omitempty" validate:"dive"`
	Attributes          map[string]string `json:"attributes,omitempty"`
}

// FullName joins first and last name.
func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Experience is one entry of employment history.
type Experience struct {
	Title     string `json:"title" validate:"required"`
	Company   string `json:"company" validate:"required"`
	Location  string `json:"location,omitempty"`
	StartYear int    `json:"start_year,omitempty"`
	EndYear   int    `json:"end_year,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// Education is one entry of schooling history.
type Education struct {
	School         string `json:"school" validate:"required"`
	Degree         string `json:"degree,omitempty"`
	Field          string `json:"field,omitempty"`
	GraduationYear int    `json:"graduation_year,omitempty"`
}

// Request is a queued instruction to apply to one posting for one user.
type Request struct {
	ID                      string            `json:"id"`
	UserID                  string            `json:"user_id"`
	JobID                   string            `json:"job_id"`
	JobURL                  string            `json:"job_url"`
	Platform                Platform          `json:"platform"`
	ResumeRef               string            `json:"resume_ref"`
	Profile                 Profile           `json:"profile"`
	PreAnswers              map[string]string `json:"pre_answers,omitempty"`
	Status                  Status            `json:"status"`
	Attempts                int               `json:"attempts"`
	MaxAttempts             int               `json:"max_attempts"`
	CreatedAt               time.Time         `json:"created_at"`
	LastAttemptAt           *time.Time        `json:"last_attempt_at,omitempty"`
	NextAttemptAt           time.Time         `json:"next_attempt_at"`
	LastError               string            `json:"last_error,omitempty"`
	LastErrorKind           ErrorKind         `json:"last_error_kind,omitempty"`
	VerifyOnly              bool              `json:"verify_only,omitempty"`
	VerifyURL               string            `json:"-"`
	DuplicateOf             string            `json:"duplicate_of,omitempty"`
	ConfirmationRef         string            `json:"confirmation_ref,omitempty"`
	NeedsManualConfirmation bool              `json:"needs_manual_confirmation,omitempty"`
}

// FieldType is the closed set of form field kinds the engine understands.
type FieldType string

// Supported field types. Anything else parses as FieldUnknown.
const (
	FieldText     FieldType = "TEXT"
	FieldTextarea FieldType = "TEXTAREA"
	FieldEmail    FieldType = "EMAIL"
	FieldURL      FieldType = "URL"
	FieldTel      FieldType = "TEL"
	FieldNumber   FieldType = "NUMBER"
	FieldSelect   FieldType = "SELECT"
	FieldRadio    FieldType = "RADIO"
	FieldCheckbox FieldType = "CHECKBOX"
	FieldFile     FieldType = "FILE"
	FieldDate     FieldType = "DATE"
	FieldUnknown  FieldType = "UNKNOWN"
)

// Bounded reports whether values must be drawn from the field's options.
func (t FieldType) Bounded() bool {
	return t == FieldSelect || t == FieldRadio
}

// FreeText reports whether the field accepts arbitrary text.
func (t FieldType) FreeText() bool {
	switch t {
	case FieldText, FieldTextarea, FieldEmail, FieldURL, FieldTel, FieldNumber, FieldDate:
		return true
	default:
		return false
	}
}

// Option is one selectable choice of a bounded field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field describes one input discovered on an application form.
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Label     string    `json:"label"`
	Options   []Option  `json:"options,omitempty"`
	Required  bool      `json:"required"`
	MaxLength int       `json:"max_length,omitempty"`
	Selector  string    `json:"-"`
}

// FormSchema is derived transiently from a live page during an attempt.
type FormSchema struct {
	Action string  `json:"action,omitempty"`
	Fields []Field `json:"fields"`
}

// Required returns the fields that must be answered before submission.
func (s FormSchema) Required() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Source records where an assignment value came from.
type Source string

// Assignment sources.
const (
	SourcePreAnswered Source = "PREANSWERED"
	SourceInferred    Source = "INFERRED"
	SourceDefault     Source = "DEFAULT"
	SourceSkipped     Source = "SKIPPED"
)

// Assignment is the value chosen for a single form field.
type Assignment struct {
	FieldName string `json:"field_name"`
	Value     string `json:"value"`
	Source    Source `json:"source"`
}

// Outcome is the terminal result of a submission.
type Outcome string

// Terminal outcomes.
const (
	OutcomeSubmitted      Outcome = "SUBMITTED"
	OutcomeRejectedBySite Outcome = "REJECTED_BY_SITE"
	OutcomeFatalError     Outcome = "FATAL_ERROR"
)

// ApplicationOutcome is exposed once a request reaches a terminal state.
type ApplicationOutcome struct {
	RequestID       string  `json:"request_id"`
	Status          Outcome `json:"status"`
	ConfirmationRef string  `json:"confirmation_ref,omitempty"`
	// Unconfirmed is set when the form was submitted but no positive
	// confirmation signal could be read back from the site.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// AttemptResult labels a single attempt in the attempt log.
type AttemptResult string

// Attempt results.
const (
	AttemptSubmitted AttemptResult = "SUBMITTED"
	AttemptRetry     AttemptResult = "RETRY"
	AttemptFailed    AttemptResult = "FAILED"
)

// AttemptRecord is one append-only entry in a request's attempt log.
type AttemptRecord struct {
	RequestID     string        `json:"request_id"`
	AttemptNumber int           `json:"attempt_number"`
	Outcome       AttemptResult `json:"outcome"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	CostIncurred  float64       `json:"cost_incurred"`
	DurationMs    int64         `json:"duration_ms"`
	BackoffMs     int64         `json:"backoff_ms,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ChallengeKind names an anti-automation mechanism.
type ChallengeKind string

// Recognized challenge kinds.
const (
	ChallengeNone      ChallengeKind = ""
	ChallengeRecaptcha ChallengeKind = "RECAPTCHA"
	ChallengeHCaptcha  ChallengeKind = "HCAPTCHA"
	ChallengeTurnstile ChallengeKind = "TURNSTILE"
	ChallengeUnknown   ChallengeKind = "UNKNOWN"
)

// Challenge describes a challenge detected on a page.
type Challenge struct {
	Kind    ChallengeKind `json:"kind"`
	SiteKey string        `json:"site_key,omitempty"`
	PageURL string        `json:"page_url,omitempty"`
}

// Present reports whether a challenge was detected.
func (c Challenge) Present() bool {
	return c.Kind != ChallengeNone
}
