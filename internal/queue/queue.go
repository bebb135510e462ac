// Package queue admits apply requests and hands due work to workers.
// The request store is the system of record; the queue adds admission
// checks on the way in and a polling claim loop on the way out.
package queue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/events"
	"github.com/vnymr/PASS-ATS-sub004/internal/metrics"
	"github.com/vnymr/PASS-ATS-sub004/internal/policy/routing"
)

// URLValidator normalizes a URL or rejects it as untrusted.
type URLValidator interface {
	Validate(rawURL string) (string, error)
}

// Classifier grades postings.
type Classifier interface {
	Classify(rawURL, pageSample string) apply.Classification
	WithHint(cls apply.Classification, hint apply.Platform) apply.Classification
}

// Sampler fetches a static page sample for classification.
type Sampler interface {
	Sample(ctx context.Context, url string) (string, error)
}

// Router decides whether a classified posting is automated.
type Router interface {
	Decide(cls apply.Classification, maxAttempts int) routing.Route
}

// Submission is the caller-supplied part of an apply request.
type Submission struct {
	UserID     string            `json:"user_id" validate:"required,max=128"`
	JobID      string            `json:"job_id" validate:"required,max=128"`
	JobURL     string            `json:"job_url" validate:"required,url,max=2048"`
	ResumeRef  string            `json:"resume_ref" validate:"required,max=1024"`
	Platform   string            `json:"platform,omitempty" validate:"omitempty,oneof=GREENHOUSE LEVER ICIMS WORKDAY ASHBY OTHER greenhouse lever icims workday ashby other"`
	Profile    apply.Profile     `json:"profile" validate:"required"`
	PreAnswers map[string]string `json:"pre_answers,omitempty" validate:"omitempty,max=200,dive,keys,required,max=512,endkeys,max=10000"`
}

// ValidationError reports a submission that failed field validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Config tunes admission and polling.
type Config struct {
	// MaxAttempts is the default attempt budget before routing adjusts it.
	MaxAttempts int
	// PollInterval is how long Dequeue sleeps when nothing is due.
	PollInterval time.Duration
	// StaleAfter is how long an ACTIVE request may go untouched before
	// Recover returns it to QUEUED.
	StaleAfter time.Duration
	// SampleTimeout bounds the optional static page fetch during Enqueue.
	SampleTimeout time.Duration
}

// Deps are the collaborators of a Queue. Sampler, Events, and Logger are optional.
type Deps struct {
	Store      apply.RequestStore
	Validator  URLValidator
	Classifier Classifier
	Router     Router
	Sampler    Sampler
	IDs        apply.IDGenerator
	Clock      apply.Clock
	Events     events.Emitter
	Logger     *zap.Logger
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	wake     chan struct{}
}

// New validates deps and returns a Queue.
func New(cfg Config, deps Deps) (*Queue, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("queue: request store is required")
	case deps.Validator == nil:
		return nil, errors.New("queue: url validator is required")
	case deps.Classifier == nil:
		return nil, errors.New("queue: classifier is required")
	case deps.Router == nil:
		return nil, errors.New("queue: router is required")
	case deps.IDs == nil:
		return nil, errors.New("queue: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("queue: clock is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 10 * time.Second
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Queue{cfg: cfg, deps: deps, validate: v, wake: make(chan struct{}, 1)}, nil
}

// Enqueue validates, classifies, and persists a submission. A blocking
// request for the same user and job yields the stored DUPLICATE record
// together with a *apply.DuplicateRequestError.
func (q *Queue) Enqueue(ctx context.Context, sub Submission) (apply.Request, error) {
	if err := q.check(sub); err != nil {
		metrics.ObserveEnqueue("invalid")
		return apply.Request{}, err
	}
	target, err := q.deps.Validator.Validate(sub.JobURL)
	if err != nil {
		metrics.ObserveEnqueue("untrusted")
		return apply.Request{}, err
	}

	hint := apply.ParsePlatform(sub.Platform)
	cls := q.deps.Classifier.WithHint(q.deps.Classifier.Classify(target, q.sample(ctx, target)), hint)
	route := q.deps.Router.Decide(cls, q.cfg.MaxAttempts)
	if !route.Automate {
		metrics.ObserveEnqueue("manual_review")
		q.deps.Logger.Info("posting routed to manual review",
			zap.String("user_id", sub.UserID),
			zap.String("job_id", sub.JobID),
			zap.String("reason", route.Reason),
		)
		return apply.Request{}, &apply.ManualReviewRequiredError{Reason: route.Reason}
	}

	id, err := q.deps.IDs.NewID()
	if err != nil {
		return apply.Request{}, fmt.Errorf("request id: %w", err)
	}
	platform := cls.Platform
	if platform == apply.PlatformOther {
		platform = hint
	}
	now := q.deps.Clock.Now()
	req := apply.Request{
		ID:            id,
		UserID:        sub.UserID,
		JobID:         sub.JobID,
		JobURL:        target,
		Platform:      platform,
		ResumeRef:     sub.ResumeRef,
		Profile:       sub.Profile,
		PreAnswers:    sub.PreAnswers,
		MaxAttempts:   route.MaxAttempts,
		CreatedAt:     now,
		NextAttemptAt: now,
	}

	stored, err := q.deps.Store.Insert(ctx, req)
	var dup *apply.DuplicateRequestError
	switch {
	case errors.As(err, &dup):
		metrics.ObserveEnqueue("duplicate")
		q.deps.Events.Emit(events.Event{
			RequestID: stored.ID,
			UserID:    stored.UserID,
			TS:        now,
			Stage:     events.StageDuplicate,
			Note:      "duplicate of " + dup.ExistingID,
		})
		return stored, err
	case err != nil:
		metrics.ObserveEnqueue("error")
		return apply.Request{}, fmt.Errorf("insert request: %w", err)
	}

	metrics.ObserveEnqueue("queued")
	q.deps.Events.Emit(events.Event{
		RequestID: stored.ID,
		UserID:    stored.UserID,
		TS:        now,
		Stage:     events.StageEnqueued,
		State:     string(cls.Platform),
	})
	q.deps.Logger.Info("request queued",
		zap.String("request_id", stored.ID),
		zap.String("platform", string(stored.Platform)),
		zap.Float64("confidence", cls.Confidence),
		zap.Int("max_attempts", stored.MaxAttempts),
	)
	q.notify()
	return stored, nil
}

func (q *Queue) check(sub Submission) error {
	err := q.validate.Struct(sub)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return &ValidationError{Field: field, Message: fmt.Sprintf("failed on '%s' validation", fe.Tag())}
	}
	return &ValidationError{Field: "request", Message: err.Error()}
}

func (q *Queue) sample(ctx context.Context, target string) string {
	if q.deps.Sampler == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, q.cfg.SampleTimeout)
	defer cancel()
	body, err := q.deps.Sampler.Sample(ctx, target)
	if err != nil {
		q.deps.Logger.Debug("page sample failed", zap.String("url", target), zap.Error(err))
		return ""
	}
	return body
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a due request is claimed or ctx ends. The returned
// request is ACTIVE with its attempt counter already incremented.
func (q *Queue) Dequeue(ctx context.Context) (apply.Request, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return apply.Request{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timer.C:
		case <-q.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		req, ok, err := q.deps.Store.ClaimNext(ctx, q.deps.Clock.Now())
		if err != nil && ctx.Err() == nil {
			q.deps.Logger.Error("claim next request failed", zap.Error(err))
		}
		if ok {
			// Let another idle worker look for more due work.
			q.notify()
			return req, nil
		}
		timer.Reset(q.cfg.PollInterval)
	}
}

// Status returns the stored request.
func (q *Queue) Status(ctx context.Context, id string) (apply.Request, error) {
	req, err := q.deps.Store.Get(ctx, id)
	if err != nil {
		return apply.Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// Attempts returns the attempt log of an existing request.
func (q *Queue) Attempts(ctx context.Context, id string) ([]apply.AttemptRecord, error) {
	if _, err := q.Status(ctx, id); err != nil {
		return nil, err
	}
	log, err := q.deps.Store.ListAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return log, nil
}

// Recover returns ACTIVE requests abandoned by a crashed worker to QUEUED.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.deps.Store.RecoverStale(ctx, q.deps.Clock.Now().Add(-q.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("recover stale requests: %w", err)
	}
	if n > 0 {
		q.deps.Logger.Warn("requeued stale requests", zap.Int("count", n))
		q.notify()
	}
	return n, nil
}
