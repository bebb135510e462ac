package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/classifier"
	"github.com/vnymr/PASS-ATS-sub004/internal/events"
	"github.com/vnymr/PASS-ATS-sub004/internal/policy/routing"
	"github.com/vnymr/PASS-ATS-sub004/internal/storage/memory"
	"github.com/vnymr/PASS-ATS-sub004/internal/trust"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("req-%d", s.n.Add(1)), nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []events.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type staticSampler struct {
	body string
	err  error
}

func (s staticSampler) Sample(context.Context, string) (string, error) {
	return s.body, s.err
}

type fixture struct {
	queue  *Queue
	store  *memory.RequestStore
	clock  *fixedClock
	events *recorder
}

func newFixture(t *testing.T, sampler Sampler) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewRequestStore(),
		clock:  &fixedClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	q, err := New(Config{MaxAttempts: 4, PollInterval: 5 * time.Millisecond, StaleAfter: time.Minute}, Deps{
		Store:      f.store,
		Validator:  trust.New(nil),
		Classifier: classifier.New(classifier.Config{}),
		Router:     routing.New(routing.Config{}),
		Sampler:    sampler,
		IDs:        &seqIDs{},
		Clock:      f.clock,
		Events:     f.events,
	})
	require.NoError(t, err)
	f.queue = q
	return f
}

func submission(job string) Submission {
	return Submission{
		UserID:    "u1",
		JobID:     job,
		JobURL:    "https://boards.greenhouse.io/acme/jobs/" + job + "#apply",
		ResumeRef: "u1/cv.pdf",
		Profile: apply.Profile{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
		},
		PreAnswers: map[string]string{"Salary expectations": "Negotiable"},
	}
}

func TestEnqueueQueuesTrustedRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	req, err := f.queue.Enqueue(context.Background(), submission("1"))
	require.NoError(t, err)
	require.Equal(t, "req-1", req.ID)
	require.Equal(t, apply.StatusQueued, req.Status)
	require.Equal(t, apply.PlatformGreenhouse, req.Platform)
	require.Equal(t, "https://boards.greenhouse.io/acme/jobs/1", req.JobURL, "fragment is stripped")
	require.Equal(t, 4, req.MaxAttempts)
	require.Equal(t, f.clock.Now(), req.NextAttemptAt)
	require.Equal(t, []events.Stage{events.StageEnqueued}, f.events.stages())

	stored, err := f.queue.Status(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, req.ID, stored.ID)
}

func TestEnqueueDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	first, err := f.queue.Enqueue(context.Background(), submission("1"))
	require.NoError(t, err)

	second, err := f.queue.Enqueue(context.Background(), submission("1"))
	var dup *apply.DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, first.ID, dup.ExistingID)
	require.Equal(t, apply.StatusDuplicate, second.Status)
	require.Equal(t, []events.Stage{events.StageEnqueued, events.StageDuplicate}, f.events.stages())

	// The duplicate never reaches a worker.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	claimed, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	_, err = f.queue.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnqueueRejectsInvalidSubmissions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	missingEmail := submission("1")
	missingEmail.Profile.Email = ""
	_, err := f.queue.Enqueue(ctx, missingEmail)
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "profile.email", invalid.Field)

	badPlatform := submission("1")
	badPlatform.Platform = "taleo"
	_, err = f.queue.Enqueue(ctx, badPlatform)
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "platform", invalid.Field)

	untrusted := submission("1")
	untrusted.JobURL = "https://evil.example.com/jobs/1"
	_, err = f.queue.Enqueue(ctx, untrusted)
	var domainErr *apply.UntrustedDomainError
	require.ErrorAs(t, err, &domainErr)

	plain := submission("1")
	plain.JobURL = "http://boards.greenhouse.io/acme/jobs/1"
	_, err = f.queue.Enqueue(ctx, plain)
	require.ErrorAs(t, err, &domainErr)

	require.Empty(t, f.events.stages(), "rejected submissions are never queued")
}

func TestEnqueueRoutesComplexPostingsToManualReview(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sub := submission("1")
	sub.JobURL = "https://acme.wd5.myworkdayjobs.com/careers/job/Remote/Engineer_R1"
	_, err := f.queue.Enqueue(context.Background(), sub)
	var manual *apply.ManualReviewRequiredError
	require.ErrorAs(t, err, &manual)
	require.Contains(t, manual.Error(), "manual application required")
}

func TestEnqueueUsesSampleAndTolerantOfSampleErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticSampler{body: `<html><input type="password"> sign in to apply</html>`})
	_, err := f.queue.Enqueue(context.Background(), submission("1"))
	var manual *apply.ManualReviewRequiredError
	require.ErrorAs(t, err, &manual, "login wall makes the posting complex")

	f = newFixture(t, staticSampler{err: errors.New("connection refused")})
	_, err = f.queue.Enqueue(context.Background(), submission("1"))
	require.NoError(t, err)
}

func TestDequeueOrdersAndWakes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan apply.Request, 1)
	go func() {
		req, err := f.queue.Dequeue(ctx)
		if err == nil {
			got <- req
		}
	}()

	first, err := f.queue.Enqueue(ctx, submission("1"))
	require.NoError(t, err)

	select {
	case req := <-got:
		require.Equal(t, first.ID, req.ID)
		require.Equal(t, apply.StatusActive, req.Status)
		require.Equal(t, 1, req.Attempts)
	case <-ctx.Done():
		t.Fatal("dequeue did not return")
	}
}

func TestAttemptsAndRecover(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Attempts(ctx, "missing")
	require.ErrorIs(t, err, apply.ErrNotFound)

	req, err := f.queue.Enqueue(ctx, submission("1"))
	require.NoError(t, err)
	_, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)

	n, err := f.queue.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.advance(2 * time.Minute)
	n, err = f.queue.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := f.queue.Status(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, apply.StatusQueued, stored.Status)

	log, err := f.queue.Attempts(ctx, req.ID)
	require.NoError(t, err)
	require.Empty(t, log)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.ErrorContains(t, err, "request store")
}
