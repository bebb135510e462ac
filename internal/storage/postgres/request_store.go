// Package postgres provides the Postgres-backed request store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// RequestStore persists requests in apply_requests and attempts in apply_attempts.
type RequestStore struct {
	db DB
}

// errNotActive reports a state transition attempted from the wrong status.
var errNotActive = errors.New("request is not in a transitionable status")

// NewRequestStore connects a pool using cfg.
func NewRequestStore(ctx context.Context, cfg Config) (*RequestStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RequestStore{db: pool}, nil
}

// NewRequestStoreWithDB wraps an existing pool (primarily for testing).
func NewRequestStoreWithDB(db DB) (*RequestStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RequestStore{db: db}, nil
}

// Migrate creates tables and indexes when missing.
func (s *RequestStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *RequestStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *RequestStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const requestColumns = `id, user_id, job_id, job_url, platform, resume_ref, profile, pre_answers,
	status, attempts, max_attempts, created_at, last_attempt_at, next_attempt_at,
	last_error, last_error_kind, verify_only, verify_url, duplicate_of, confirmation_ref,
	needs_manual_confirmation`

const insertRequest = `
INSERT INTO apply_requests (id, user_id, job_id, job_url, platform, resume_ref, profile, pre_answers,
	status, attempts, max_attempts, created_at, next_attempt_at, duplicate_of)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13)`

// Insert stores req as QUEUED, or as DUPLICATE when the blocking-pair index
// already holds a request for the same user and job. Both statements run in
// one transaction.
func (s *RequestStore) Insert(ctx context.Context, req apply.Request) (apply.Request, error) {
	if req.ID == "" {
		return apply.Request{}, fmt.Errorf("request id is required")
	}
	if req.NextAttemptAt.IsZero() {
		req.NextAttemptAt = req.CreatedAt
	}
	profile, err := json.Marshal(req.Profile)
	if err != nil {
		return apply.Request{}, fmt.Errorf("marshal profile: %w", err)
	}
	preAnswers, err := json.Marshal(nonNilMap(req.PreAnswers))
	if err != nil {
		return apply.Request{}, fmt.Errorf("marshal pre-answers: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apply.Request{}, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, insertRequest+`
ON CONFLICT (user_id, job_id) WHERE status IN ('QUEUED', 'ACTIVE', 'SUBMITTED') DO NOTHING
RETURNING id`,
		req.ID, req.UserID, req.JobID, req.JobURL, string(req.Platform), req.ResumeRef, profile, preAnswers,
		string(apply.StatusQueued), req.MaxAttempts, req.CreatedAt, req.NextAttemptAt, nil,
	).Scan(&id)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return apply.Request{}, fmt.Errorf("commit insert: %w", err)
		}
		req.Status = apply.StatusQueued
		return req, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return apply.Request{}, fmt.Errorf("insert request: %w", err)
	}

	var existing string
	err = tx.QueryRow(ctx, `
SELECT id FROM apply_requests
WHERE user_id = $1 AND job_id = $2 AND status IN ('QUEUED', 'ACTIVE', 'SUBMITTED')
LIMIT 1`, req.UserID, req.JobID).Scan(&existing)
	if err != nil {
		return apply.Request{}, fmt.Errorf("lookup blocking request: %w", err)
	}
	if _, err := tx.Exec(ctx, insertRequest,
		req.ID, req.UserID, req.JobID, req.JobURL, string(req.Platform), req.ResumeRef, profile, preAnswers,
		string(apply.StatusDuplicate), req.MaxAttempts, req.CreatedAt, req.NextAttemptAt, existing,
	); err != nil {
		return apply.Request{}, fmt.Errorf("insert duplicate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apply.Request{}, fmt.Errorf("commit duplicate: %w", err)
	}
	req.Status = apply.StatusDuplicate
	req.DuplicateOf = existing
	return req, &apply.DuplicateRequestError{UserID: req.UserID, JobID: req.JobID, ExistingID: existing, RequestID: req.ID}
}

// Get loads a request by ID.
func (s *RequestStore) Get(ctx context.Context, id string) (apply.Request, error) {
	req, err := scanRequest(s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM apply_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return apply.Request{}, fmt.Errorf("request %s: %w", id, apply.ErrNotFound)
	}
	if err != nil {
		return apply.Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ClaimNext activates the oldest due QUEUED request. Concurrent claimers skip
// rows locked by each other.
func (s *RequestStore) ClaimNext(ctx context.Context, now time.Time) (apply.Request, bool, error) {
	req, err := scanRequest(s.db.QueryRow(ctx, `
UPDATE apply_requests
SET status = 'ACTIVE', attempts = attempts + 1, last_attempt_at = $1
WHERE id = (
	SELECT id FROM apply_requests
	WHERE status = 'QUEUED' AND next_attempt_at <= $1
	ORDER BY next_attempt_at, created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+requestColumns, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return apply.Request{}, false, nil
	}
	if err != nil {
		return apply.Request{}, false, fmt.Errorf("claim next request: %w", err)
	}
	return req, true, nil
}

// Complete records the terminal outcome of an ACTIVE request.
func (s *RequestStore) Complete(ctx context.Context, id string, outcome apply.ApplicationOutcome, at time.Time) error {
	status := apply.StatusFailed
	lastError := string(outcome.Status)
	if outcome.Status == apply.OutcomeSubmitted {
		status = apply.StatusSubmitted
		lastError = ""
	}
	tag, err := s.db.Exec(ctx, `
UPDATE apply_requests
SET status = $2, confirmation_ref = $3, needs_manual_confirmation = $4, last_error = $5,
	last_error_kind = CASE WHEN $2 = 'SUBMITTED' THEN '' ELSE last_error_kind END,
	verify_only = FALSE, verify_url = '', next_attempt_at = $6
WHERE id = $1 AND status = 'ACTIVE'`,
		id, string(status), outcome.ConfirmationRef, outcome.Unconfirmed, lastError, at)
	return affected("complete", id, tag, err)
}

// Reschedule returns an ACTIVE request to QUEUED.
func (s *RequestStore) Reschedule(ctx context.Context, id string, r apply.Reschedule) error {
	tag, err := s.db.Exec(ctx, `
UPDATE apply_requests
SET status = 'QUEUED', next_attempt_at = $2, last_error_kind = $3, last_error = $4,
	verify_only = $5, verify_url = $6
WHERE id = $1 AND status = 'ACTIVE'`,
		id, r.NextAttemptAt, string(r.Kind), r.ErrText, r.VerifyOnly, r.VerifyURL)
	return affected("reschedule", id, tag, err)
}

// Fail marks a QUEUED or ACTIVE request FAILED.
func (s *RequestStore) Fail(ctx context.Context, id string, kind apply.ErrorKind, errText string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE apply_requests
SET status = 'FAILED', last_error_kind = $2, last_error = $3, next_attempt_at = $4
WHERE id = $1 AND status IN ('QUEUED', 'ACTIVE')`,
		id, string(kind), errText, at)
	return affected("fail", id, tag, err)
}

// RecoverStale requeues ACTIVE requests whose worker stopped reporting.
func (s *RequestStore) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE apply_requests
SET status = 'QUEUED', next_attempt_at = $1
WHERE status = 'ACTIVE' AND last_attempt_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendAttempt adds one attempt log row.
func (s *RequestStore) AppendAttempt(ctx context.Context, rec apply.AttemptRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO apply_attempts (request_id, attempt_number, outcome, error_kind, error,
	cost_incurred, duration_ms, backoff_ms, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.RequestID, rec.AttemptNumber, string(rec.Outcome), string(rec.ErrorKind), rec.Error,
		rec.CostIncurred, rec.DurationMs, rec.BackoffMs, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempt log for id in attempt order.
func (s *RequestStore) ListAttempts(ctx context.Context, id string) ([]apply.AttemptRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT request_id, attempt_number, outcome, error_kind, error, cost_incurred, duration_ms, backoff_ms, ts
FROM apply_attempts
WHERE request_id = $1
ORDER BY attempt_number, ts`, id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []apply.AttemptRecord
	for rows.Next() {
		var (
			rec           apply.AttemptRecord
			outcome, kind string
		)
		if err := rows.Scan(&rec.RequestID, &rec.AttemptNumber, &outcome, &kind, &rec.Error,
			&rec.CostIncurred, &rec.DurationMs, &rec.BackoffMs, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.Outcome = apply.AttemptResult(outcome)
		rec.ErrorKind = apply.ErrorKind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (apply.Request, error) {
	var (
		req                    apply.Request
		platform, status, kind string
		profile, preAnswers    []byte
		duplicateOf            *string
	)
	err := row.Scan(&req.ID, &req.UserID, &req.JobID, &req.JobURL, &platform, &req.ResumeRef, &profile, &preAnswers,
		&status, &req.Attempts, &req.MaxAttempts, &req.CreatedAt, &req.LastAttemptAt, &req.NextAttemptAt,
		&req.LastError, &kind, &req.VerifyOnly, &req.VerifyURL, &duplicateOf, &req.ConfirmationRef,
		&req.NeedsManualConfirmation)
	if err != nil {
		return apply.Request{}, err
	}
	req.Platform = apply.Platform(platform)
	req.Status = apply.Status(status)
	req.LastErrorKind = apply.ErrorKind(kind)
	if duplicateOf != nil {
		req.DuplicateOf = *duplicateOf
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &req.Profile); err != nil {
			return apply.Request{}, fmt.Errorf("decode profile: %w", err)
		}
	}
	if len(preAnswers) > 0 {
		if err := json.Unmarshal(preAnswers, &req.PreAnswers); err != nil {
			return apply.Request{}, fmt.Errorf("decode pre-answers: %w", err)
		}
	}
	return req, nil
}

func affected(op, id string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("%s request %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s request %s: %w", op, id, errNotActive)
	}
	return nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
