package challenge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/cost"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		html string
		kind apply.ChallengeKind
		key  string
	}{
		{
			name: "recaptcha widget",
			html: `<form><div class="g-recaptcha" data-sitekey="6Lc-abc"></div></form>`,
			kind: apply.ChallengeRecaptcha,
			key:  "6Lc-abc",
		},
		{
			name: "hcaptcha script",
			html: `<html><head><script src="https://js.hcaptcha.com/1/api.js"></script></head><body><div data-sitekey="hc-key"></div></body></html>`,
			kind: apply.ChallengeHCaptcha,
			key:  "hc-key",
		},
		{
			name: "turnstile",
			html: `<div class="cf-turnstile" data-sitekey="0x4AAA"></div>`,
			kind: apply.ChallengeTurnstile,
			key:  "0x4AAA",
		},
		{
			name: "interstitial",
			html: `<html><body><h1>Checking your browser before accessing jobs.example.com</h1></body></html>`,
			kind: apply.ChallengeUnknown,
		},
		{
			name: "clean page",
			html: `<form><input name="email"></form>`,
			kind: apply.ChallengeNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Detect(tc.html, "https://boards.greenhouse.io/acme/jobs/1")
			require.Equal(t, tc.kind, got.Kind)
			require.Equal(t, tc.key, got.SiteKey)
			require.Equal(t, tc.kind != apply.ChallengeNone, got.Present())
		})
	}
}

type solverService struct {
	polls    atomic.Int32
	readyAt  int32
	created  atomic.Int32
	lastTask task
}

func (s *solverService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/createTask", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.lastTask = req.Task
		s.created.Add(1)
		_ = json.NewEncoder(w).Encode(createResponse{TaskID: "task-1"})
	})
	mux.HandleFunc("/getTaskResult", func(w http.ResponseWriter, _ *http.Request) {
		n := s.polls.Add(1)
		if n < s.readyAt {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ready",
			"cost":     0.003,
			"solution": map[string]string{"gRecaptchaResponse": "tok-123"},
		})
	})
	return mux
}

func TestSolverSolves(t *testing.T) {
	t.Parallel()

	svc := &solverService{readyAt: 2}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	tracker := cost.NewMemoryTracker(cost.Config{DailyLimit: 1}, nil)
	s, err := NewSolver(Config{BaseURL: srv.URL, APIKey: "k", CostPerSolve: 0.002, PollInterval: 5 * time.Millisecond, Timeout: time.Second}, srv.Client(), tracker, nil)
	require.NoError(t, err)

	res, err := s.Solve(context.Background(), "u1", apply.Challenge{Kind: apply.ChallengeRecaptcha, SiteKey: "6Lc", PageURL: "https://jobs.lever.co/acme/1"})
	require.NoError(t, err)
	require.Equal(t, "tok-123", res.Token)
	require.InDelta(t, 0.003, res.Cost, 1e-9)
	require.Equal(t, "RecaptchaV2TaskProxyless", svc.lastTask.Type)
	require.Equal(t, "6Lc", svc.lastTask.WebsiteKey)

	spent, err := tracker.Spent(context.Background(), "u1")
	require.NoError(t, err)
	require.InDelta(t, 0.003, spent, 1e-9)
}

func TestSolverBudgetCheckedBeforeSolving(t *testing.T) {
	t.Parallel()

	svc := &solverService{readyAt: 1}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	tracker := cost.NewMemoryTracker(cost.Config{DailyLimit: 0.01}, nil)
	_, err := tracker.Add(context.Background(), "u1", 0.009)
	require.NoError(t, err)

	s, err := NewSolver(Config{BaseURL: srv.URL, CostPerSolve: 0.002, PollInterval: time.Millisecond}, srv.Client(), tracker, nil)
	require.NoError(t, err)

	_, err = s.Solve(context.Background(), "u1", apply.Challenge{Kind: apply.ChallengeHCaptcha, SiteKey: "k"})
	var budget *apply.BudgetExceededError
	require.ErrorAs(t, err, &budget)
	require.Zero(t, svc.created.Load())
}

func TestSolverTimesOut(t *testing.T) {
	t.Parallel()

	svc := &solverService{readyAt: 1 << 30}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	tracker := cost.NewMemoryTracker(cost.Config{}, nil)
	s, err := NewSolver(Config{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond}, srv.Client(), tracker, nil)
	require.NoError(t, err)

	_, err = s.Solve(context.Background(), "u1", apply.Challenge{Kind: apply.ChallengeTurnstile, SiteKey: "k"})
	var unsolved *apply.ChallengeUnsolvedError
	require.ErrorAs(t, err, &unsolved)
	require.Equal(t, apply.ChallengeTurnstile, unsolved.Kind)
}

func TestSolverRejectsUnknownChallenge(t *testing.T) {
	t.Parallel()

	s, err := NewSolver(Config{BaseURL: "http://127.0.0.1:1"}, nil, cost.NewMemoryTracker(cost.Config{}, nil), nil)
	require.NoError(t, err)

	_, err = s.Solve(context.Background(), "u1", apply.Challenge{Kind: apply.ChallengeUnknown})
	var unsolved *apply.ChallengeUnsolvedError
	require.ErrorAs(t, err, &unsolved)
}
