// Package formfill maps an applicant profile onto a discovered application form.
package formfill

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// ResumeValue marks a file field that should receive the request's resume.
const ResumeValue = "@resume"

// Engine resolves one assignment per field.
type Engine struct {
	primary  Generator
	fallback Generator
	logger   *zap.Logger
}

// New constructs an Engine. primary may be nil, in which case answers are
// composed by the template generator alone.
func New(primary Generator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{primary: primary, fallback: TemplateGenerator{}, logger: logger}
}

// Fill returns exactly one assignment per schema field. Required fields never
// end up SKIPPED: they are answered or Fill fails naming the field.
func (e *Engine) Fill(ctx context.Context, schema apply.FormSchema, profile apply.Profile, preAnswers map[string]string) ([]apply.Assignment, error) {
	out := make([]apply.Assignment, 0, len(schema.Fields))
	profileFacts := facts(profile)
	for _, f := range schema.Fields {
		a, err := e.resolve(ctx, f, profile, profileFacts, preAnswers)
		if err != nil {
			return nil, err
		}
		if a.Source != apply.SourceSkipped && f.Type != apply.FieldFile {
			a, err = e.validate(ctx, f, a, profileFacts)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (e *Engine) resolve(ctx context.Context, f apply.Field, p apply.Profile, profileFacts []string, preAnswers map[string]string) (apply.Assignment, error) {
	text := fieldText(f)

	// (1) pre-answered questions win verbatim; bounded fields map the answer
	// onto an option value when it names one.
	if ans, ok := preAnswer(f, preAnswers); ok {
		if f.Type.Bounded() || (f.Type == apply.FieldCheckbox && len(f.Options) > 0) {
			if v, ok := matchOption(f.Options, ans); ok {
				ans = v
			}
		} else if f.Type == apply.FieldCheckbox {
			ans = boolString(truthy(ans))
		}
		return assign(f, ans, apply.SourcePreAnswered), nil
	}

	switch {
	case f.Type == apply.FieldFile:
		if isResume(text) {
			return assign(f, ResumeValue, apply.SourceDefault), nil
		}
		return skipOrFail(f)

	case f.Type == apply.FieldUnknown:
		if f.Required {
			return apply.Assignment{}, apply.WithKind(apply.KindManualReview,
				&apply.ManualReviewRequiredError{Reason: fmt.Sprintf("unsupported required field %q", f.Name)})
		}
		return skip(f), nil

	case f.Type.Bounded() || (f.Type == apply.FieldCheckbox && len(f.Options) > 0):
		return e.resolveChoice(f, p, text)

	case f.Type == apply.FieldCheckbox:
		// (4) consent and acknowledgment boxes default affirmative.
		if isConsent(text) {
			return assign(f, "true", apply.SourceDefault), nil
		}
		if isAuthorizationQuestion(text) {
			if ok, known := workAuthorized(p); known {
				return assign(f, boolString(ok), apply.SourceDefault), nil
			}
		}
		return skipOrFail(f)
	}

	if v, ok := profileValue(f, p); ok {
		return assign(f, v, apply.SourceInferred), nil
	}

	// (3) free-text questions are synthesized from profile facts only.
	if isQuestion(f) && len(profileFacts) > 0 {
		answer, err := e.generate(ctx, Prompt{Field: f, Facts: profileFacts})
		if err == nil && strings.TrimSpace(answer) != "" {
			return assign(f, answer, apply.SourceInferred), nil
		}
	}
	return skipOrFail(f)
}

// resolveChoice handles (2) and (4) for select, radio, and checkbox groups.
func (e *Engine) resolveChoice(f apply.Field, p apply.Profile, text string) (apply.Assignment, error) {
	switch {
	case isSponsorshipQuestion(text):
		if need, known := requiresSponsorship(p); known {
			if v, ok := yesNoOption(f.Options, need); ok {
				return assign(f, v, apply.SourceDefault), nil
			}
		}
	case isAuthorizationQuestion(text):
		if ok, known := workAuthorized(p); known {
			if v, found := yesNoOption(f.Options, ok); found {
				return assign(f, v, apply.SourceDefault), nil
			}
		}
	case isDemographic(text):
		if v, ok := declineOption(f.Options); ok {
			return assign(f, v, apply.SourceDefault), nil
		}
	case isConsent(text):
		if v, ok := yesNoOption(f.Options, true); ok {
			return assign(f, v, apply.SourceDefault), nil
		}
	}
	for _, candidate := range choiceCandidates(f, p) {
		if v, ok := matchOption(f.Options, candidate); ok {
			return assign(f, v, apply.SourceInferred), nil
		}
	}
	return skipOrFail(f)
}

func choiceCandidates(f apply.Field, p apply.Profile) []string {
	var out []string
	if v, ok := profileValue(f, p); ok {
		out = append(out, v)
	}
	text := fieldText(f)
	if containsAny(text, "degree", "education") {
		for _, ed := range p.Education {
			out = append(out, ed.Degree)
		}
	}
	if containsAny(text, "hear about", "source", "referr") {
		out = append(out, "company website", "job board", "other")
	}
	return out
}

func (e *Engine) generate(ctx context.Context, prompt Prompt) (string, error) {
	if e.primary != nil {
		answer, err := e.primary.Generate(ctx, prompt)
		if err == nil && strings.TrimSpace(answer) != "" {
			return answer, nil
		}
		e.logger.Warn("primary generator failed, using template",
			zap.String("field", prompt.Field.Name),
			zap.Error(err),
		)
	}
	return e.fallback.Generate(ctx, prompt)
}

// validate checks a resolved value and regenerates synthesized answers once.
func (e *Engine) validate(ctx context.Context, f apply.Field, a apply.Assignment, profileFacts []string) (apply.Assignment, error) {
	reason, err := validateValue(f, a.Value)
	if err != nil {
		return apply.Assignment{}, apply.WithKind(apply.KindFormSchemaMismatch, err)
	}
	if reason == "" {
		return a, nil
	}
	e.logger.Debug("assignment failed validation",
		zap.String("field", f.Name),
		zap.String("source", string(a.Source)),
		zap.String("reason", reason),
	)
	if a.Source == apply.SourceInferred && isQuestion(f) && len(profileFacts) > 0 {
		answer, genErr := e.generate(ctx, Prompt{Field: f, Facts: profileFacts, Feedback: reason})
		if genErr == nil {
			retry, err := validateValue(f, answer)
			if err == nil && retry == "" {
				return assign(f, answer, a.Source), nil
			}
			if err == nil {
				reason = retry
			}
		}
	}
	if !f.Required {
		return skip(f), nil
	}
	return apply.Assignment{}, apply.Errorf(apply.KindFormSchemaMismatch, "field %q rejected value: %s", f.Name, reason)
}

func assign(f apply.Field, value string, src apply.Source) apply.Assignment {
	return apply.Assignment{FieldName: f.Name, Value: value, Source: src}
}

func skip(f apply.Field) apply.Assignment {
	return apply.Assignment{FieldName: f.Name, Source: apply.SourceSkipped}
}

// skipOrFail implements (5): optional fields are skipped, required ones fail.
func skipOrFail(f apply.Field) (apply.Assignment, error) {
	if !f.Required {
		return skip(f), nil
	}
	return apply.Assignment{}, &apply.IncompleteProfileError{Field: f.Name, Label: f.Label}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func truthy(v string) bool {
	switch normalize(v) {
	case "true", "yes", "y", "1", "on", "checked", "agree", "i agree":
		return true
	default:
		return false
	}
}
