// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// RequestStore keeps apply requests and attempt logs in memory. The
// duplicate check and insert run under one lock, which gives the same
// at-most-one guarantee as the Postgres partial unique indexes.
type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]apply.Request
	attempts map[string][]apply.AttemptRecord
}

// NewRequestStore constructs an empty RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests: make(map[string]apply.Request),
		attempts: make(map[string][]apply.AttemptRecord),
	}
}

// Insert stores req as QUEUED, or as DUPLICATE when a blocking request for
// the same user and job already exists.
func (s *RequestStore) Insert(_ context.Context, req apply.Request) (apply.Request, error) {
	if req.ID == "" {
		return apply.Request{}, fmt.Errorf("request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return apply.Request{}, fmt.Errorf("request %s already exists", req.ID)
	}
	if req.NextAttemptAt.IsZero() {
		req.NextAttemptAt = req.CreatedAt
	}
	if existing, ok := s.blocking(req.UserID, req.JobID); ok {
		req.Status = apply.StatusDuplicate
		req.DuplicateOf = existing.ID
		s.requests[req.ID] = req
		return req, &apply.DuplicateRequestError{
			UserID:     req.UserID,
			JobID:      req.JobID,
			ExistingID: existing.ID,
			RequestID:  req.ID,
		}
	}
	req.Status = apply.StatusQueued
	s.requests[req.ID] = req
	return req, nil
}

func (s *RequestStore) blocking(userID, jobID string) (apply.Request, bool) {
	for _, r := range s.requests {
		if r.UserID == userID && r.JobID == jobID && r.Status.Blocking() {
			return r, true
		}
	}
	return apply.Request{}, false
}

// Get returns the request with id.
func (s *RequestStore) Get(_ context.Context, id string) (apply.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return apply.Request{}, fmt.Errorf("request %s: %w", id, apply.ErrNotFound)
	}
	return req, nil
}

// ClaimNext activates the oldest due QUEUED request.
func (s *RequestStore) ClaimNext(_ context.Context, now time.Time) (apply.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []apply.Request
	for _, r := range s.requests {
		if r.Status == apply.StatusQueued && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return apply.Request{}, false, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	req := due[0]
	req.Status = apply.StatusActive
	req.Attempts++
	at := now
	req.LastAttemptAt = &at
	s.requests[req.ID] = req
	return req, true, nil
}

// Complete records a terminal outcome for an ACTIVE request.
func (s *RequestStore) Complete(_ context.Context, id string, outcome apply.ApplicationOutcome, at time.Time) error {
	return s.update(id, func(r *apply.Request) error {
		if r.Status != apply.StatusActive {
			return fmt.Errorf("complete request %s in status %s", id, r.Status)
		}
		if outcome.Status == apply.OutcomeSubmitted {
			r.Status = apply.StatusSubmitted
			r.ConfirmationRef = outcome.ConfirmationRef
			r.NeedsManualConfirmation = outcome.Unconfirmed
			r.LastError = ""
			r.LastErrorKind = ""
		} else {
			r.Status = apply.StatusFailed
			r.LastError = string(outcome.Status)
		}
		r.VerifyOnly = false
		r.VerifyURL = ""
		r.NextAttemptAt = at
		return nil
	})
}

// Reschedule returns an ACTIVE request to QUEUED.
func (s *RequestStore) Reschedule(_ context.Context, id string, rs apply.Reschedule) error {
	return s.update(id, func(r *apply.Request) error {
		if r.Status != apply.StatusActive {
			return fmt.Errorf("reschedule request %s in status %s", id, r.Status)
		}
		r.Status = apply.StatusQueued
		r.NextAttemptAt = rs.NextAttemptAt
		r.LastErrorKind = rs.Kind
		r.LastError = rs.ErrText
		r.VerifyOnly = rs.VerifyOnly
		r.VerifyURL = rs.VerifyURL
		return nil
	})
}

// Fail marks a non-terminal request FAILED.
func (s *RequestStore) Fail(_ context.Context, id string, kind apply.ErrorKind, errText string, at time.Time) error {
	return s.update(id, func(r *apply.Request) error {
		if r.Status.Terminal() {
			return fmt.Errorf("fail request %s in status %s", id, r.Status)
		}
		r.Status = apply.StatusFailed
		r.LastErrorKind = kind
		r.LastError = errText
		r.NextAttemptAt = at
		return nil
	})
}

// RecoverStale requeues ACTIVE requests last touched before cutoff.
func (s *RequestStore) RecoverStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.requests {
		if r.Status != apply.StatusActive || r.LastAttemptAt == nil || !r.LastAttemptAt.Before(cutoff) {
			continue
		}
		r.Status = apply.StatusQueued
		r.NextAttemptAt = cutoff
		s.requests[id] = r
		n++
	}
	return n, nil
}

// AppendAttempt adds rec to the request's attempt log.
func (s *RequestStore) AppendAttempt(_ context.Context, rec apply.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[rec.RequestID]; !ok {
		return fmt.Errorf("request %s: %w", rec.RequestID, apply.ErrNotFound)
	}
	s.attempts[rec.RequestID] = append(s.attempts[rec.RequestID], rec)
	return nil
}

// ListAttempts returns a copy of the attempt log ordered by attempt number.
func (s *RequestStore) ListAttempts(_ context.Context, id string) ([]apply.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.requests[id]; !ok {
		return nil, fmt.Errorf("request %s: %w", id, apply.ErrNotFound)
	}
	out := append([]apply.AttemptRecord(nil), s.attempts[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *RequestStore) update(id string, fn func(*apply.Request) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, apply.ErrNotFound)
	}
	if err := fn(&r); err != nil {
		return err
	}
	s.requests[id] = r
	return nil
}
