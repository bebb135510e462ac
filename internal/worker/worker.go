// Package worker runs claimed apply requests through the orchestrator and
// records each attempt's outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/events"
	"github.com/vnymr/PASS-ATS-sub004/internal/metrics"
	"github.com/vnymr/PASS-ATS-sub004/internal/orchestrator"
	"github.com/vnymr/PASS-ATS-sub004/internal/retry"
)

// Dequeuer blocks until a request is claimed for this worker.
type Dequeuer interface {
	Dequeue(ctx context.Context) (apply.Request, error)
}

// Runner executes one attempt.
type Runner interface {
	Run(ctx context.Context, req apply.Request) (orchestrator.Result, error)
}

// RetryPolicy turns an attempt error into a retry decision.
type RetryPolicy interface {
	Classify(err error, rc retry.Context) retry.Decision
}

// Config controls Worker behavior.
type Config struct {
	ID string
	// AttemptTimeout bounds one attempt end to end.
	AttemptTimeout time.Duration
	// LockTTL must exceed AttemptTimeout so the lease outlives the attempt.
	LockTTL time.Duration
	// PersistTimeout bounds the store writes that record an outcome.
	PersistTimeout time.Duration
}

// Deps are the collaborators of a Worker. Events and Logger are optional.
type Deps struct {
	Queue  Dequeuer
	Store  apply.RequestStore
	Runner Runner
	Policy RetryPolicy
	Locker apply.Locker
	Clock  apply.Clock
	Events events.Emitter
	Logger *zap.Logger
}

// Worker processes one request at a time.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("worker: queue is required")
	case deps.Store == nil:
		return nil, errors.New("worker: request store is required")
	case deps.Runner == nil:
		return nil, errors.New("worker: runner is required")
	case deps.Policy == nil:
		return nil, errors.New("worker: retry policy is required")
	case deps.Locker == nil:
		return nil, errors.New("worker: locker is required")
	case deps.Clock == nil:
		return nil, errors.New("worker: clock is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Minute
	}
	if cfg.LockTTL <= cfg.AttemptTimeout {
		cfg.LockTTL = cfg.AttemptTimeout + time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps, logger: deps.Logger.With(zap.String("worker", cfg.ID))}, nil
}

// Run blocks, consuming requests until the context finishes. Cancellation
// is only observed between attempts; an attempt in flight runs to its own
// deadline.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued request", zap.String("request_id", req.ID), zap.Int("attempt", req.Attempts))
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req apply.Request) {
	detached := context.WithoutCancel(ctx)
	logger := w.logger.With(zap.String("request_id", req.ID), zap.Int("attempt", req.Attempts))

	lockCtx, cancelLock := context.WithTimeout(detached, w.cfg.PersistTimeout)
	lease, err := w.deps.Locker.Acquire(lockCtx, "request:"+req.ID, w.cfg.LockTTL)
	cancelLock()
	if errors.Is(err, apply.ErrLockHeld) {
		// The holder owns the ACTIVE row and will record the outcome.
		logger.Warn("request locked by another worker")
		return
	}
	if err != nil {
		w.finish(detached, req, orchestrator.Result{}, apply.WithKind(apply.KindNetworkTransient, fmt.Errorf("acquire lock: %w", err)), 0)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(detached, w.cfg.PersistTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("release request lock failed", zap.Error(err))
		}
	}()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.deps.Clock.Now()
	w.emit(req, events.Event{TS: start, Stage: events.StageAttemptStart})

	attemptCtx, cancel := context.WithTimeout(detached, w.cfg.AttemptTimeout)
	res, runErr := w.deps.Runner.Run(attemptCtx, req)
	cancel()

	w.finish(detached, req, res, runErr, w.deps.Clock.Now().Sub(start))
}

// finish records the attempt and moves the request to its next status.
func (w *Worker) finish(ctx context.Context, req apply.Request, res orchestrator.Result, runErr error, dur time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.PersistTimeout)
	defer cancel()

	now := w.deps.Clock.Now()
	rec := apply.AttemptRecord{
		RequestID:     req.ID,
		AttemptNumber: req.Attempts,
		CostIncurred:  res.Cost,
		DurationMs:    dur.Milliseconds(),
		Timestamp:     now,
	}
	metrics.AddSpend(res.Cost)
	evt := events.Event{TS: now, Dur: dur, Cost: res.Cost}

	var transition error
	switch {
	case runErr == nil:
		outcome := res.Outcome
		outcome.RequestID = req.ID
		evt.Note = outcome.ConfirmationRef
		if outcome.Status == apply.OutcomeSubmitted {
			rec.Outcome = apply.AttemptSubmitted
			evt.Stage = events.StageAttemptDone
		} else {
			rec.Outcome = apply.AttemptFailed
			rec.Error = string(outcome.Status)
			evt.Stage = events.StageAttemptFailed
			evt.Note = string(outcome.Status)
		}
		transition = w.deps.Store.Complete(ctx, req.ID, outcome, now)

	default:
		d := w.deps.Policy.Classify(runErr, retry.Context{
			Attempt:     req.Attempts,
			MaxAttempts: req.MaxAttempts,
			PriorKind:   req.LastErrorKind,
		})
		errText := apply.UserMessage(d.Kind, runErr.Error())
		if d.Exhausted {
			errText = fmt.Sprintf("attempts exhausted after %d: %s", req.Attempts, errText)
		}
		rec.ErrorKind = d.Kind
		rec.Error = errText
		evt.Kind = d.Kind
		evt.Note = errText

		switch {
		case d.Retryable:
			rec.Outcome = apply.AttemptRetry
			rec.BackoffMs = d.BackoffHint.Milliseconds()
			evt.Stage = events.StageAttemptRetry
			verifyURL := res.VerifyURL
			if verifyURL == "" {
				verifyURL = req.VerifyURL
			}
			transition = w.deps.Store.Reschedule(ctx, req.ID, apply.Reschedule{
				NextAttemptAt: now.Add(d.BackoffHint),
				Kind:          d.Kind,
				ErrText:       errText,
				// Once a form may have been submitted, later attempts only verify.
				VerifyOnly: d.VerifyOnly || req.VerifyOnly,
				VerifyURL:  verifyURL,
			})
		case req.VerifyOnly:
			// The form went in on an earlier attempt; only the read-back failed.
			rec.Outcome = apply.AttemptSubmitted
			evt.Stage = events.StageAttemptDone
			transition = w.deps.Store.Complete(ctx, req.ID, apply.ApplicationOutcome{
				RequestID:   req.ID,
				Status:      apply.OutcomeSubmitted,
				Unconfirmed: true,
			}, now)
		default:
			rec.Outcome = apply.AttemptFailed
			evt.Stage = events.StageAttemptFailed
			transition = w.deps.Store.Fail(ctx, req.ID, d.Kind, errText, now)
		}
	}

	if err := w.deps.Store.AppendAttempt(ctx, rec); err != nil {
		w.logger.Error("append attempt record failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	if transition != nil {
		w.logger.Error("record attempt outcome failed",
			zap.String("request_id", req.ID),
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(transition),
		)
	}
	metrics.ObserveAttempt(string(rec.Outcome), string(rec.ErrorKind), dur)
	w.emit(req, evt)

	fields := []zap.Field{
		zap.String("request_id", req.ID),
		zap.Int("attempt", req.Attempts),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("final_state", string(res.FinalState)),
		zap.Duration("duration", dur),
		zap.Float64("cost", res.Cost),
	}
	if rec.ErrorKind != "" {
		fields = append(fields, zap.String("kind", string(rec.ErrorKind)), zap.Int64("backoff_ms", rec.BackoffMs))
	}
	w.logger.Info("attempt finished", fields...)
}

func (w *Worker) emit(req apply.Request, evt events.Event) {
	evt.RequestID = req.ID
	evt.UserID = req.UserID
	evt.Attempt = req.Attempts
	w.deps.Events.Emit(evt)
}
