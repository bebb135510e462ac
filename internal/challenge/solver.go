package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/metrics"
)

// Config points the solver at a createTask/getTaskResult style service.
type Config struct {
	BaseURL      string
	APIKey       string
	CostPerSolve float64
	PollInterval time.Duration
	Timeout      time.Duration
}

// Solver obtains challenge tokens and bills them to the user's daily budget.
type Solver struct {
	cfg    Config
	client *http.Client
	costs  apply.CostTracker
	logger *zap.Logger
}

// NewSolver constructs a Solver. A nil client gets a 30s per-call timeout.
func NewSolver(cfg Config, client *http.Client, costs apply.CostTracker, logger *zap.Logger) (*Solver, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("challenge solver base url is required")
	}
	if costs == nil {
		return nil, errors.New("cost tracker is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Solver{cfg: cfg, client: client, costs: costs, logger: logger}, nil
}

// Result is a solved token and the amount billed for it.
type Result struct {
	Token string
	Cost  float64
}

type task struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type createRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
}

type createResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
}

type resultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type resultResponse struct {
	ErrorID          int      `json:"errorId"`
	ErrorCode        string   `json:"errorCode"`
	ErrorDescription string   `json:"errorDescription"`
	Status           string   `json:"status"`
	Cost             *float64 `json:"cost,omitempty"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
	} `json:"solution"`
}

// Solve checks the budget, submits the challenge, and polls until a token is
// ready or the timeout elapses.
func (s *Solver) Solve(ctx context.Context, userID string, ch apply.Challenge) (Result, error) {
	taskType, ok := taskTypes[ch.Kind]
	if !ok || ch.SiteKey == "" {
		metrics.ObserveChallenge(string(ch.Kind), "unsupported")
		return Result{}, &apply.ChallengeUnsolvedError{Kind: ch.Kind, Reason: "unsupported challenge or missing site key"}
	}
	if err := s.costs.Allow(ctx, userID, s.cfg.CostPerSolve); err != nil {
		metrics.ObserveChallenge(string(ch.Kind), "budget")
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var created createResponse
	if err := s.call(ctx, "/createTask", createRequest{
		ClientKey: s.cfg.APIKey,
		Task:      task{Type: taskType, WebsiteURL: ch.PageURL, WebsiteKey: ch.SiteKey},
	}, &created); err != nil {
		return Result{}, s.unsolved(ch, "create task", err)
	}
	if created.ErrorID != 0 || created.TaskID == "" {
		return Result{}, s.unsolved(ch, "create task", fmt.Errorf("%s %s", created.ErrorCode, created.ErrorDescription))
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, s.unsolved(ch, "poll", fmt.Errorf("gave up after %s: %w", s.cfg.Timeout, ctx.Err()))
		case <-ticker.C:
		}
		var res resultResponse
		if err := s.call(ctx, "/getTaskResult", resultRequest{ClientKey: s.cfg.APIKey, TaskID: created.TaskID}, &res); err != nil {
			s.logger.Debug("poll challenge result", zap.String("task_id", created.TaskID), zap.Error(err))
			continue
		}
		if res.ErrorID != 0 {
			return Result{}, s.unsolved(ch, "poll", fmt.Errorf("%s %s", res.ErrorCode, res.ErrorDescription))
		}
		if res.Status != "ready" {
			continue
		}
		token := res.Solution.GRecaptchaResponse
		if token == "" {
			token = res.Solution.Token
		}
		if token == "" {
			return Result{}, s.unsolved(ch, "poll", errors.New("empty token"))
		}
		cost := s.cfg.CostPerSolve
		if res.Cost != nil {
			cost = *res.Cost
		}
		if _, err := s.costs.Add(ctx, userID, cost); err != nil {
			s.logger.Warn("record challenge spend", zap.String("user_id", userID), zap.Error(err))
		}
		metrics.AddSpend(cost)
		metrics.ObserveChallenge(string(ch.Kind), "solved")
		return Result{Token: token, Cost: cost}, nil
	}
}

var taskTypes = map[apply.ChallengeKind]string{
	apply.ChallengeRecaptcha: "RecaptchaV2TaskProxyless",
	apply.ChallengeHCaptcha:  "HCaptchaTaskProxyless",
	apply.ChallengeTurnstile: "TurnstileTaskProxyless",
}

func (s *Solver) unsolved(ch apply.Challenge, step string, err error) error {
	metrics.ObserveChallenge(string(ch.Kind), "failed")
	return &apply.ChallengeUnsolvedError{Kind: ch.Kind, Reason: apply.Sanitize(fmt.Sprintf("%s: %v", step, err))}
}

func (s *Solver) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("solver request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("solver status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
