// Package orchestrator drives one application attempt through its state
// machine: validate, classify, open a session, extract and fill the form,
// clear challenges, submit, and verify.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/browser"
	"github.com/vnymr/PASS-ATS-sub004/internal/challenge"
	"github.com/vnymr/PASS-ATS-sub004/internal/events"
	"github.com/vnymr/PASS-ATS-sub004/internal/formfill"
	"github.com/vnymr/PASS-ATS-sub004/internal/retry"
)

// State is a node of the attempt state machine.
type State string

// Attempt states in traversal order.
const (
	StateValidating      State = "VALIDATING"
	StateClassifying     State = "CLASSIFYING"
	StateSessionAcquired State = "SESSION_ACQUIRED"
	StateFormExtracted   State = "FORM_EXTRACTED"
	StateFieldsFilled    State = "FIELDS_FILLED"
	StateChallengeCheck  State = "CHALLENGE_CHECK"
	StateSubmitted       State = "SUBMITTED"
	StateVerified        State = "VERIFIED"
	StateFailed          State = "FAILED"
)

// URLValidator is the trust gate.
type URLValidator interface {
	Validate(rawURL string) (string, error)
}

// Classifier grades postings.
type Classifier interface {
	Classify(rawURL, pageSample string) apply.Classification
	WithHint(cls apply.Classification, hint apply.Platform) apply.Classification
}

// Filler produces field assignments.
type Filler interface {
	Fill(ctx context.Context, schema apply.FormSchema, profile apply.Profile, preAnswers map[string]string) ([]apply.Assignment, error)
}

// Solver clears detected challenges.
type Solver interface {
	Solve(ctx context.Context, userID string, ch apply.Challenge) (challenge.Result, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxChallengeRounds bounds the post-submit challenge loop.
	MaxChallengeRounds int
}

// Deps are the collaborators of an Orchestrator. Solver, Resumes, Events,
// Clock, Tracer, and Logger are optional.
type Deps struct {
	Validator  URLValidator
	Classifier Classifier
	Sessions   apply.SessionProvider
	Filler     Filler
	Solver     Solver
	Resumes    apply.ResumeStore
	Events     events.Emitter
	Clock      apply.Clock
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

// Result summarizes an attempt. It is populated on failure too, so callers
// can bill Cost and requeue verification with VerifyURL.
type Result struct {
	Outcome    apply.ApplicationOutcome
	Cost       float64
	VerifyURL  string
	FinalState State
	Platform   apply.Platform
}

// Orchestrator runs attempts. It is safe for concurrent use.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

const verifyURLTimeout = 5 * time.Second

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Validator == nil {
		return nil, errors.New("orchestrator: validator is required")
	}
	if deps.Classifier == nil {
		return nil, errors.New("orchestrator: classifier is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("orchestrator: session provider is required")
	}
	if deps.Filler == nil {
		return nil, errors.New("orchestrator: filler is required")
	}
	if cfg.MaxChallengeRounds <= 0 {
		cfg.MaxChallengeRounds = 2
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/vnymr/PASS-ATS-sub004/internal/orchestrator")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// Run executes one attempt for req. A nil error means the outcome is
// terminal (submitted or rejected by the site).
func (o *Orchestrator) Run(ctx context.Context, req apply.Request) (Result, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "apply.attempt", trace.WithAttributes(
		attribute.String("request_id", req.ID),
		attribute.Int("attempt", req.Attempts),
		attribute.Bool("verify_only", req.VerifyOnly),
	))
	defer span.End()

	a := &attempt{o: o, req: req, logger: o.deps.Logger.With(
		zap.String("request_id", req.ID),
		zap.Int("attempt", req.Attempts),
	)}
	a.res.Outcome.RequestID = req.ID

	err := a.run(ctx)
	if err != nil {
		a.res.FinalState = StateFailed
		a.emitState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(retry.KindOf(err)))
	}
	span.SetAttributes(
		attribute.String("final_state", string(a.res.FinalState)),
		attribute.Float64("cost", a.res.Cost),
	)
	return a.res, err
}

// attempt holds per-run state.
type attempt struct {
	o        *Orchestrator
	req      apply.Request
	res      Result
	logger   *zap.Logger
	platform apply.Platform
	resume   string
	cleanup  []func()
}

func (a *attempt) run(ctx context.Context) error {
	var target, verifyURL string
	err := a.step(ctx, StateValidating, func(context.Context) error {
		var err error
		if target, err = a.o.deps.Validator.Validate(a.req.JobURL); err != nil {
			return err
		}
		if a.req.VerifyOnly && a.req.VerifyURL != "" {
			verifyURL, err = a.o.deps.Validator.Validate(a.req.VerifyURL)
		}
		return err
	})
	if err != nil {
		return err
	}

	_ = a.step(ctx, StateClassifying, func(context.Context) error {
		cls := a.o.deps.Classifier.WithHint(a.o.deps.Classifier.Classify(target, ""), a.req.Platform)
		a.setPlatform(cls.Platform)
		return nil
	})

	defer func() {
		for i := len(a.cleanup) - 1; i >= 0; i-- {
			a.cleanup[i]()
		}
	}()
	return a.o.deps.Sessions.With(ctx, func(ctx context.Context, page apply.Page) error {
		a.emitState(StateSessionAcquired)
		if a.req.VerifyOnly {
			if verifyURL == "" {
				verifyURL = target
			}
			return a.verifyOnly(ctx, page, verifyURL)
		}
		return a.apply(ctx, page, target)
	})
}

func (a *attempt) setPlatform(p apply.Platform) {
	if p == "" || p == apply.PlatformOther {
		p = apply.ParsePlatform(string(a.req.Platform))
	}
	a.platform = p
	a.res.Platform = p
}

func (a *attempt) apply(ctx context.Context, page apply.Page, target string) error {
	var schema apply.FormSchema
	err := a.step(ctx, StateFormExtracted, func(ctx context.Context) error {
		var err error
		schema, err = a.openForm(ctx, page, target)
		return err
	})
	if err != nil {
		return err
	}

	err = a.step(ctx, StateFieldsFilled, func(ctx context.Context) error {
		return a.fill(ctx, page, schema)
	})
	if err != nil {
		return err
	}

	err = a.step(ctx, StateChallengeCheck, func(ctx context.Context) error {
		html, pageURL, err := snapshot(ctx, page)
		if err != nil {
			return err
		}
		return a.clearChallenge(ctx, page, challenge.Detect(html, pageURL))
	})
	if err != nil {
		return err
	}

	var html, pageURL string
	err = a.step(ctx, StateSubmitted, func(ctx context.Context) error {
		if err := page.Submit(ctx); err != nil {
			if errors.Is(err, apply.ErrNotSubmitted) {
				return err
			}
			return a.afterSubmit(ctx, page, err)
		}
		var err error
		html, pageURL, err = a.settleAfterSubmit(ctx, page)
		return a.afterSubmit(ctx, page, err)
	})
	if err != nil {
		return err
	}

	return a.step(ctx, StateVerified, func(ctx context.Context) error {
		return a.verify(html, pageURL, false)
	})
}

// openForm navigates to target and returns its application form, following
// the platform's dedicated apply page when the posting page has none.
func (a *attempt) openForm(ctx context.Context, page apply.Page, target string) (apply.FormSchema, error) {
	schema, err := a.load(ctx, page, target)
	if err == nil {
		return schema, nil
	}
	fallback := applyPageURL(a.platform, target)
	if fallback == "" || !isSchemaMismatch(err) {
		return apply.FormSchema{}, err
	}
	validated, verr := a.o.deps.Validator.Validate(fallback)
	if verr != nil {
		return apply.FormSchema{}, err
	}
	a.logger.Debug("following apply page", zap.String("url", validated))
	return a.load(ctx, page, validated)
}

func (a *attempt) load(ctx context.Context, page apply.Page, target string) (apply.FormSchema, error) {
	if err := page.Navigate(ctx, target); err != nil {
		return apply.FormSchema{}, err
	}
	html, pageURL, err := snapshot(ctx, page)
	if err != nil {
		return apply.FormSchema{}, err
	}
	if ch := challenge.Detect(html, pageURL); ch.Kind == apply.ChallengeUnknown {
		if err := a.clearChallenge(ctx, page, ch); err != nil {
			return apply.FormSchema{}, err
		}
	}
	if err := pageBlockers(html); err != nil {
		return apply.FormSchema{}, err
	}
	if a.platform == apply.PlatformOther {
		a.setPlatform(a.o.deps.Classifier.Classify(pageURL, html).Platform)
	}
	return browser.ExtractForm(html)
}

func (a *attempt) fill(ctx context.Context, page apply.Page, schema apply.FormSchema) error {
	assignments, err := a.o.deps.Filler.Fill(ctx, schema, a.req.Profile, a.req.PreAnswers)
	if err != nil {
		return err
	}
	fields := make(map[string]apply.Field, len(schema.Fields))
	for _, f := range schema.Fields {
		fields[f.Name] = f
	}
	for _, asg := range assignments {
		if asg.Source == apply.SourceSkipped {
			continue
		}
		f, ok := fields[asg.FieldName]
		if !ok {
			return apply.Errorf(apply.KindFormSchemaMismatch, "assignment for unknown field %q", asg.FieldName)
		}
		if f.Type == apply.FieldFile {
			if err := a.upload(ctx, page, f, asg.Value); err != nil {
				return err
			}
			continue
		}
		if err := page.Fill(ctx, f, asg.Value); err != nil {
			return fmt.Errorf("fill %s: %w", f.Name, err)
		}
	}
	return nil
}

func (a *attempt) upload(ctx context.Context, page apply.Page, f apply.Field, value string) error {
	if value != formfill.ResumeValue {
		return apply.Errorf(apply.KindFormSchemaMismatch, "no artifact for file field %q", f.Name)
	}
	if a.resume == "" {
		if a.o.deps.Resumes == nil {
			return apply.WithKind(apply.KindIncompleteProfile, &apply.IncompleteProfileError{Field: f.Name, Label: f.Label})
		}
		path, cleanup, err := a.o.deps.Resumes.Fetch(ctx, a.req.ResumeRef)
		if err != nil {
			if errors.Is(err, apply.ErrNotFound) {
				return apply.WithKind(apply.KindIncompleteProfile, fmt.Errorf("resume %s: %w", a.req.ResumeRef, err))
			}
			return fmt.Errorf("fetch resume: %w", err)
		}
		a.resume = path
		if cleanup != nil {
			a.cleanup = append(a.cleanup, cleanup)
		}
	}
	if err := page.Upload(ctx, f, a.resume); err != nil {
		return fmt.Errorf("upload %s: %w", f.Name, err)
	}
	return nil
}

// settleAfterSubmit reads the post-submit page, solving and resubmitting
// while a challenge stands between the form and a confirmation.
func (a *attempt) settleAfterSubmit(ctx context.Context, page apply.Page) (string, string, error) {
	for round := 0; ; round++ {
		html, pageURL, err := snapshot(ctx, page)
		if err != nil {
			return "", "", apply.WithKind(apply.KindVerificationAmbiguous, err)
		}
		a.res.VerifyURL = pageURL
		if confirmed(a.platform, pageURL, html) {
			return html, pageURL, nil
		}
		ch := challenge.Detect(html, pageURL)
		if !ch.Present() {
			return html, pageURL, nil
		}
		if round >= a.o.cfg.MaxChallengeRounds {
			return "", "", &apply.ChallengeUnsolvedError{
				Kind:   ch.Kind,
				Reason: fmt.Sprintf("challenge persisted after %d rounds", round),
			}
		}
		a.emitState(StateChallengeCheck)
		if err := a.clearChallenge(ctx, page, ch); err != nil {
			return "", "", err
		}
		if err := page.Submit(ctx); err != nil {
			return "", "", err
		}
	}
}

// afterSubmit reclassifies a failure that follows the submit click. Any
// retryable failure becomes VERIFICATION_AMBIGUOUS so the retry only reads
// back the result; fatal kinds pass through.
func (a *attempt) afterSubmit(ctx context.Context, page apply.Page, err error) error {
	if err == nil {
		return nil
	}
	if a.res.VerifyURL == "" {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verifyURLTimeout)
		if loc, uerr := page.URL(uctx); uerr == nil {
			a.res.VerifyURL = loc
		}
		cancel()
	}
	switch retry.KindOf(err) {
	case apply.KindNetworkTransient, apply.KindSiteTimeout, apply.KindRateLimited,
		apply.KindFormSchemaMismatch, apply.KindUnknown:
		return apply.WithKind(apply.KindVerificationAmbiguous, fmt.Errorf("after submit: %w", err))
	}
	return err
}

// clearChallenge solves ch when present and injects the token.
func (a *attempt) clearChallenge(ctx context.Context, page apply.Page, ch apply.Challenge) error {
	if !ch.Present() {
		return nil
	}
	a.o.deps.Events.Emit(a.event(events.StageChallenge, func(e *events.Event) { e.Note = string(ch.Kind) }))
	if a.o.deps.Solver == nil {
		return &apply.ChallengeUnsolvedError{Kind: ch.Kind, Reason: "no solver configured"}
	}
	solved, err := a.o.deps.Solver.Solve(ctx, a.req.UserID, ch)
	a.res.Cost += solved.Cost
	if err != nil {
		return err
	}
	if err := page.ApplyChallengeToken(ctx, ch, solved.Token); err != nil {
		return fmt.Errorf("apply challenge token: %w", err)
	}
	return nil
}

func (a *attempt) verifyOnly(ctx context.Context, page apply.Page, verifyURL string) error {
	return a.step(ctx, StateVerified, func(ctx context.Context) error {
		if err := page.Navigate(ctx, verifyURL); err != nil {
			return err
		}
		html, pageURL, err := snapshot(ctx, page)
		if err != nil {
			return err
		}
		return a.verify(html, pageURL, true)
	})
}

// verify inspects the post-submit page. A second ambiguous read, or a
// platform with no known signal, counts as an unconfirmed submission.
func (a *attempt) verify(html, pageURL string, recheck bool) error {
	a.res.VerifyURL = pageURL
	if alreadyApplied(html) {
		a.res.Outcome.Status = apply.OutcomeRejectedBySite
		a.res.FinalState = StateSubmitted
		return nil
	}
	if confirmed(a.platform, pageURL, html) {
		a.res.Outcome.Status = apply.OutcomeSubmitted
		a.res.Outcome.ConfirmationRef = confirmationRef(html)
		a.res.FinalState = StateVerified
		return nil
	}
	if recheck || !hasSignal(a.platform) {
		a.res.Outcome.Status = apply.OutcomeSubmitted
		a.res.Outcome.Unconfirmed = true
		a.res.FinalState = StateSubmitted
		a.logger.Warn("submission unconfirmed", zap.String("platform", string(a.platform)))
		return nil
	}
	return apply.Errorf(apply.KindVerificationAmbiguous, "no %s confirmation signal on %s", a.platform, apply.Sanitize(pageURL))
}

// step runs fn as state under its own span.
func (a *attempt) step(ctx context.Context, state State, fn func(context.Context) error) error {
	ctx, span := a.o.deps.Tracer.Start(ctx, "apply."+strings.ToLower(string(state)))
	defer span.End()
	a.res.FinalState = state
	a.emitState(state)
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(state))
		a.logger.Debug("state failed", zap.String("state", string(state)), zap.Error(err))
		return err
	}
	return nil
}

func (a *attempt) emitState(state State) {
	a.o.deps.Events.Emit(a.event(events.StageState, func(e *events.Event) { e.State = string(state) }))
}

func (a *attempt) event(stage events.Stage, mutate func(*events.Event)) events.Event {
	evt := events.Event{
		RequestID: a.req.ID,
		UserID:    a.req.UserID,
		TS:        a.o.deps.Clock.Now(),
		Stage:     stage,
		Attempt:   a.req.Attempts,
	}
	if mutate != nil {
		mutate(&evt)
	}
	return evt
}

func snapshot(ctx context.Context, page apply.Page) (string, string, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return "", "", err
	}
	pageURL, err := page.URL(ctx)
	if err != nil {
		return "", "", err
	}
	return html, pageURL, nil
}

func isSchemaMismatch(err error) bool {
	var ke *apply.KindError
	return errors.As(err, &ke) && ke.Kind == apply.KindFormSchemaMismatch
}
