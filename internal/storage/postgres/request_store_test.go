package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

var created = time.Unix(1760000000, 0).UTC()

func newStore(t *testing.T) (*RequestStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRequestStoreWithDB(mock)
	require.NoError(t, err)
	return store, mock
}

func sampleRequest() apply.Request {
	return apply.Request{
		ID:          "r2",
		UserID:      "u1",
		JobID:       "j1",
		JobURL:      "https://boards.greenhouse.io/acme/jobs/1",
		Platform:    apply.PlatformGreenhouse,
		ResumeRef:   "resumes/u1.pdf",
		Profile:     apply.Profile{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		MaxAttempts: 4,
		CreatedAt:   created,
	}
}

func requestRow(id string, status apply.Status, attempts int) *pgxmock.Rows {
	profile, _ := json.Marshal(apply.Profile{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"})
	last := created.Add(time.Minute)
	return pgxmock.NewRows([]string{
		"id", "user_id", "job_id", "job_url", "platform", "resume_ref", "profile", "pre_answers",
		"status", "attempts", "max_attempts", "created_at", "last_attempt_at", "next_attempt_at",
		"last_error", "last_error_kind", "verify_only", "verify_url", "duplicate_of", "confirmation_ref",
		"needs_manual_confirmation",
	}).AddRow(
		id, "u1", "j1", "https://boards.greenhouse.io/acme/jobs/1", "GREENHOUSE", "resumes/u1.pdf", profile, []byte(`{"Salary":"Negotiable"}`),
		string(status), attempts, 4, created, &last, created,
		"", "", false, "", (*string)(nil), "", false,
	)
}

func TestInsertQueued(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	req := sampleRequest()

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)INSERT INTO apply_requests .* ON CONFLICT \\(user_id, job_id\\) WHERE status IN").
		WithArgs(req.ID, req.UserID, req.JobID, req.JobURL, "GREENHOUSE", req.ResumeRef,
			pgxmock.AnyArg(), []byte(`{}`), "QUEUED", 4, created, created, nil).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(req.ID))
	mock.ExpectCommit()
	mock.ExpectRollback()

	got, err := store.Insert(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, apply.StatusQueued, got.Status)
	require.Equal(t, created, got.NextAttemptAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateRecordsLoser(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	req := sampleRequest()

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)INSERT INTO apply_requests .* DO NOTHING").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM apply_requests").
		WithArgs("u1", "j1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectExec("INSERT INTO apply_requests").
		WithArgs(req.ID, req.UserID, req.JobID, req.JobURL, "GREENHOUSE", req.ResumeRef,
			pgxmock.AnyArg(), pgxmock.AnyArg(), "DUPLICATE", 4, created, created, "r1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	got, err := store.Insert(context.Background(), req)
	var dup *apply.DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "r1", dup.ExistingID)
	require.Equal(t, "r2", dup.RequestID)
	require.Equal(t, apply.StatusDuplicate, got.Status)
	require.Equal(t, "r1", got.DuplicateOf)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFailureRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO apply_requests").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.Insert(context.Background(), sampleRequest())
	require.ErrorContains(t, err, "insert request")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextSkipsLockedRows(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	now := created.Add(time.Minute)

	mock.ExpectQuery("(?s)UPDATE apply_requests.*FOR UPDATE SKIP LOCKED").
		WithArgs(now).
		WillReturnRows(requestRow("r1", apply.StatusActive, 1))

	req, ok, err := store.ClaimNext(context.Background(), now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", req.ID)
	require.Equal(t, apply.StatusActive, req.Status)
	require.Equal(t, apply.PlatformGreenhouse, req.Platform)
	require.Equal(t, "Ada", req.Profile.FirstName)
	require.Equal(t, "Negotiable", req.PreAnswers["Salary"])
	require.NotNil(t, req.LastAttemptAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmpty(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectQuery("UPDATE apply_requests").WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.ClaimNext(context.Background(), created)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectQuery("(?s)SELECT .* FROM apply_requests WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, apply.ErrNotFound)
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	ctx := context.Background()
	at := created.Add(time.Hour)

	mock.ExpectExec("UPDATE apply_requests\\s+SET status = \\$2").
		WithArgs("r1", "SUBMITTED", "GH-1", false, "", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.Complete(ctx, "r1", apply.ApplicationOutcome{Status: apply.OutcomeSubmitted, ConfirmationRef: "GH-1"}, at))

	mock.ExpectExec("SET status = 'QUEUED', next_attempt_at = \\$2").
		WithArgs("r1", at, "VERIFICATION_AMBIGUOUS", "no signal", true, "https://boards.greenhouse.io/x").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.Reschedule(ctx, "r1", apply.Reschedule{
		NextAttemptAt: at, Kind: apply.KindVerificationAmbiguous, ErrText: "no signal",
		VerifyOnly: true, VerifyURL: "https://boards.greenhouse.io/x",
	}))

	mock.ExpectExec("SET status = 'FAILED'").
		WithArgs("r1", "POSTING_CLOSED", "closed", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.Fail(ctx, "r1", apply.KindPostingClosed, "closed", at)
	require.ErrorIs(t, err, errNotActive)

	mock.ExpectExec("WHERE status = 'ACTIVE' AND last_attempt_at < \\$1").
		WithArgs(at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	n, err := store.RecoverStale(ctx, at)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptLog(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	ctx := context.Background()
	rec := apply.AttemptRecord{
		RequestID: "r1", AttemptNumber: 1, Outcome: apply.AttemptRetry, ErrorKind: apply.KindSiteTimeout,
		Error: "timeout", CostIncurred: 0.002, DurationMs: 1200, BackoffMs: 30000, Timestamp: created,
	}

	mock.ExpectExec("INSERT INTO apply_attempts").
		WithArgs("r1", 1, "RETRY", "SITE_TIMEOUT", "timeout", 0.002, int64(1200), int64(30000), created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.AppendAttempt(ctx, rec))

	mock.ExpectQuery("FROM apply_attempts").
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{
			"request_id", "attempt_number", "outcome", "error_kind", "error", "cost_incurred", "duration_ms", "backoff_ms", "ts",
		}).AddRow("r1", 1, "RETRY", "SITE_TIMEOUT", "timeout", 0.002, int64(1200), int64(30000), created))
	got, err := store.ListAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []apply.AttemptRecord{rec}, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS apply_requests").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.Contains(t, schemaSQL, "WHERE status IN ('QUEUED', 'ACTIVE', 'SUBMITTED')")
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRequestStoreWithDB(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
