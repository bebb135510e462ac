// Package events carries per-attempt lifecycle events from workers to
// pluggable sinks: logs, Prometheus, Pub/Sub, and live websocket subscribers.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Stage names the milestone an Event represents.
type Stage string

// Event stages.
const (
	StageEnqueued      Stage = "ENQUEUED"
	StageDuplicate     Stage = "DUPLICATE"
	StageAttemptStart  Stage = "ATTEMPT_START"
	StageState         Stage = "STATE"
	StageChallenge     Stage = "CHALLENGE"
	StageAttemptDone   Stage = "ATTEMPT_DONE"
	StageAttemptRetry  Stage = "ATTEMPT_RETRY"
	StageAttemptFailed Stage = "ATTEMPT_FAILED"
)

// Event is one observable step of a request's life.
type Event struct {
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id,omitempty"`
	TS        time.Time       `json:"ts"`
	Stage     Stage           `json:"stage"`
	State     string          `json:"state,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Kind      apply.ErrorKind `json:"kind,omitempty"`
	// Note is sanitized free text such as a user-facing failure reason.
	Note string        `json:"note,omitempty"`
	Dur  time.Duration `json:"duration_ns,omitempty"`
	Cost float64       `json:"cost,omitempty"`
}

// Validate performs coarse checks before an event is accepted.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageEnqueued, StageDuplicate, StageAttemptStart, StageChallenge,
		StageAttemptDone, StageAttemptRetry, StageAttemptFailed:
	case StageState:
		if e.State == "" {
			return errors.New("state event requires state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes out the request.
func (e Event) Terminal() bool {
	return e.Stage == StageAttemptDone || e.Stage == StageAttemptFailed || e.Stage == StageDuplicate
}
