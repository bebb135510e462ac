package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/queue"
)

type submitResponse struct {
	RequestID string       `json:"request_id"`
	Status    apply.Status `json:"status"`
	Platform  string       `json:"platform,omitempty"`
}

type statusResponse struct {
	RequestID               string          `json:"request_id"`
	UserID                  string          `json:"user_id"`
	JobID                   string          `json:"job_id"`
	Platform                apply.Platform  `json:"platform,omitempty"`
	Status                  apply.Status    `json:"status"`
	Attempts                int             `json:"attempts"`
	MaxAttempts             int             `json:"max_attempts"`
	LastError               string          `json:"last_error,omitempty"`
	LastErrorKind           apply.ErrorKind `json:"last_error_kind,omitempty"`
	ConfirmationRef         string          `json:"confirmation_ref,omitempty"`
	NeedsManualConfirmation bool            `json:"needs_manual_confirmation,omitempty"`
	DuplicateOf             string          `json:"duplicate_of,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	NextAttemptAt           *time.Time      `json:"next_attempt_at,omitempty"`
}

func toStatus(req apply.Request) statusResponse {
	out := statusResponse{
		RequestID:               req.ID,
		UserID:                  req.UserID,
		JobID:                   req.JobID,
		Platform:                req.Platform,
		Status:                  req.Status,
		Attempts:                req.Attempts,
		MaxAttempts:             req.MaxAttempts,
		LastError:               req.LastError,
		LastErrorKind:           req.LastErrorKind,
		ConfirmationRef:         req.ConfirmationRef,
		NeedsManualConfirmation: req.NeedsManualConfirmation,
		DuplicateOf:             req.DuplicateOf,
		CreatedAt:               req.CreatedAt,
	}
	if req.Status == apply.StatusQueued {
		next := req.NextAttemptAt
		out.NextAttemptAt = &next
	}
	return out
}

// submitApplication handles POST /v1/applications. It answers 202 with the
// new request ID, 400 for invalid or untrusted input, 409 when the user
// already has a live or submitted request for the job, and 422 when the
// posting must be applied to manually.
func (s *Server) submitApplication(w http.ResponseWriter, r *http.Request) {
	var sub queue.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := s.apps.Enqueue(r.Context(), sub)
	if err != nil {
		s.writeEnqueueError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: req.ID,
		Status:    req.Status,
		Platform:  string(req.Platform),
	})
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, stored apply.Request, err error) {
	var (
		invalid   *queue.ValidationError
		untrusted *apply.UntrustedDomainError
		dup       *apply.DuplicateRequestError
		manual    *apply.ManualReviewRequiredError
	)
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": invalid.Error(), "field": invalid.Field})
	case errors.As(err, &untrusted):
		writeError(w, http.StatusBadRequest, untrusted.Error())
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":               "application already requested for this job",
			"request_id":          dup.RequestID,
			"existing_request_id": dup.ExistingID,
			"status":              string(stored.Status),
		})
	case errors.As(err, &manual):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  manual.Error(),
			"reason": manual.Reason,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue request")
	}
}

func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.apps.Status(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatus(req))
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := s.apps.Attempts(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	if log == nil {
		log = []apply.AttemptRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "attempts": log})
}

func (s *Server) writeLookupError(w http.ResponseWriter, id string, err error) {
	if isNotFound(err) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	s.logger.Error("lookup failed", zap.String("request_id", id), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load request")
}
