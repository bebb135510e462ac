package apply

import (
	"context"
	"time"
)

// RequestStore persists apply requests and their attempt logs.
type RequestStore interface {
	// Insert stores req as QUEUED unless a blocking request exists for the
	// same user and job. In that case req is stored as DUPLICATE and a
	// *DuplicateRequestError is returned. The check and insert are atomic.
	Insert(ctx context.Context, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	// ClaimNext moves the oldest due QUEUED request to ACTIVE and increments
	// its attempt counter. ok is false when nothing is due.
	ClaimNext(ctx context.Context, now time.Time) (req Request, ok bool, err error)
	Complete(ctx context.Context, id string, outcome ApplicationOutcome, at time.Time) error
	Reschedule(ctx context.Context, id string, r Reschedule) error
	Fail(ctx context.Context, id string, kind ErrorKind, errText string, at time.Time) error
	// RecoverStale returns ACTIVE requests untouched since before cutoff to QUEUED.
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)
	AppendAttempt(ctx context.Context, rec AttemptRecord) error
	ListAttempts(ctx context.Context, id string) ([]AttemptRecord, error)
}

// Reschedule carries the fields updated when a request is requeued.
type Reschedule struct {
	NextAttemptAt time.Time
	Kind          ErrorKind
	ErrText       string
	VerifyOnly    bool
	VerifyURL     string
}

// Lease is a held distributed lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker grants exclusive, expiring leases keyed by name.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// CostTracker meters paid operations per user per day.
type CostTracker interface {
	// Allow fails with *BudgetExceededError when cost would push the user over the cap.
	Allow(ctx context.Context, userID string, cost float64) error
	// Add records spend and returns the new daily total.
	Add(ctx context.Context, userID string, cost float64) (float64, error)
	Spent(ctx context.Context, userID string) (float64, error)
}

// ResumeStore resolves resume references to local files ready for upload.
type ResumeStore interface {
	Fetch(ctx context.Context, ref string) (path string, cleanup func(), err error)
}

// Publisher pushes outcome events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Page is a single-tenant browser tab driven through one attempt.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Fill(ctx context.Context, field Field, value string) error
	Upload(ctx context.Context, field Field, path string) error
	// Submit sends the form. Errors wrap ErrNotSubmitted only when the form
	// was never sent.
	Submit(ctx context.Context) error
	ApplyChallengeToken(ctx context.Context, challenge Challenge, token string) error
}

// SessionProvider hands out a page for the duration of fn and reclaims it
// on every exit path.
type SessionProvider interface {
	With(ctx context.Context, fn func(ctx context.Context, page Page) error) error
}
