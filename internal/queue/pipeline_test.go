package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/challenge"
	"github.com/vnymr/PASS-ATS-sub004/internal/classifier"
	"github.com/vnymr/PASS-ATS-sub004/internal/cost"
	"github.com/vnymr/PASS-ATS-sub004/internal/formfill"
	"github.com/vnymr/PASS-ATS-sub004/internal/lock"
	"github.com/vnymr/PASS-ATS-sub004/internal/orchestrator"
	"github.com/vnymr/PASS-ATS-sub004/internal/retry"
	"github.com/vnymr/PASS-ATS-sub004/internal/trust"
	"github.com/vnymr/PASS-ATS-sub004/internal/worker"
)

const (
	pipelinePosting = "https://boards.greenhouse.io/acme/jobs/pipeline"
	pipelineConfirm = "https://boards.greenhouse.io/acme/jobs/pipeline/confirmation"
)

// sitePage serves a Greenhouse form guarded by a reCAPTCHA widget and lands
// on the confirmation page after submit.
type sitePage struct {
	mu      sync.Mutex
	current string
	submits int
	tokens  []string
}

func (p *sitePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = url
	return nil
}

func (p *sitePage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.current {
	case pipelinePosting:
		return `<html><body><form id="application_form">
<label for="first_name">First Name *</label><input id="first_name" name="first_name" required>
<label for="email">Email *</label><input id="email" name="email" type="email" required>
<div class="g-recaptcha" data-sitekey="site-key-1"></div>
</form></body></html>`, nil
	case pipelineConfirm:
		return `<h1>Thank you for applying!</h1><p>Confirmation number: GH-5150</p>`, nil
	}
	return "", nil
}

func (p *sitePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *sitePage) Fill(context.Context, apply.Field, string) error   { return nil }
func (p *sitePage) Upload(context.Context, apply.Field, string) error { return nil }

func (p *sitePage) Submit(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	p.current = pipelineConfirm
	return nil
}

func (p *sitePage) ApplyChallengeToken(_ context.Context, _ apply.Challenge, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return nil
}

type singleSession struct{ page *sitePage }

func (s singleSession) With(ctx context.Context, fn func(context.Context, apply.Page) error) error {
	return fn(ctx, s.page)
}

// meteredSolver charges every solve to the cost tracker.
type meteredSolver struct {
	costs apply.CostTracker
	price float64
}

func (s meteredSolver) Solve(ctx context.Context, userID string, _ apply.Challenge) (challenge.Result, error) {
	if err := s.costs.Allow(ctx, userID, s.price); err != nil {
		return challenge.Result{}, err
	}
	if _, err := s.costs.Add(ctx, userID, s.price); err != nil {
		return challenge.Result{}, err
	}
	return challenge.Result{Token: "solved", Cost: s.price}, nil
}

func TestGreenhouseApplicationEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	const budget = 0.01
	costs := cost.NewMemoryTracker(cost.Config{DailyLimit: budget}, f.clock)
	page := &sitePage{}

	orch, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Validator:  trust.New(nil),
		Classifier: classifier.New(classifier.Config{}),
		Sessions:   singleSession{page: page},
		Filler:     formfill.New(nil, nil),
		Solver:     meteredSolver{costs: costs, price: 0.003},
		Clock:      f.clock,
	})
	require.NoError(t, err)
	w, err := worker.New(worker.Config{ID: "w1", AttemptTimeout: 5 * time.Second}, worker.Deps{
		Queue:  f.queue,
		Store:  f.store,
		Runner: orch,
		Policy: retry.New(retry.Config{}),
		Locker: lock.NewMemory(),
		Clock:  f.clock,
	})
	require.NoError(t, err)

	sub := submission("pipeline")
	queued, err := f.queue.Enqueue(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, apply.PlatformGreenhouse, queued.Platform)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		req, err := f.queue.Status(context.Background(), queued.ID)
		return err == nil && req.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	req, err := f.queue.Status(context.Background(), queued.ID)
	require.NoError(t, err)
	require.Equal(t, apply.StatusSubmitted, req.Status)
	require.Equal(t, "GH-5150", req.ConfirmationRef)
	require.Equal(t, 1, page.submits)
	require.Equal(t, []string{"solved"}, page.tokens)

	attempts, err := f.queue.Attempts(context.Background(), queued.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, apply.AttemptSubmitted, attempts[0].Outcome)

	spent, err := costs.Spent(context.Background(), sub.UserID)
	require.NoError(t, err)
	require.InDelta(t, 0.003, spent, 1e-9)
	require.InDelta(t, spent, attempts[0].CostIncurred, 1e-9)
	require.LessOrEqual(t, spent, budget)
}
