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
	"github.com/vnymr/PASS-ATS-sub004/internal/events"
	"github.com/vnymr/PASS-ATS-sub004/internal/metrics"
	"github.com/vnymr/PASS-ATS-sub004/internal/queue"
)

// Applications is the queue surface the handlers drive.
type Applications interface {
	Enqueue(ctx context.Context, sub queue.Submission) (apply.Request, error)
	Status(ctx context.Context, id string) (apply.Request, error)
	Attempts(ctx context.Context, id string) ([]apply.AttemptRecord, error)
}

// Subscriber hands out live event streams per request.
type Subscriber interface {
	Subscribe(requestID string) (<-chan events.Event, func())
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Config tunes the HTTP surface.
type Config struct {
	AuthEnabled bool
	APIKey      string
	// RequestTimeout bounds REST handlers. Websocket streams are exempt.
	RequestTimeout time.Duration
	// PingInterval is how often idle event streams are pinged.
	PingInterval time.Duration
	// MaxBodyBytes caps submission payloads.
	MaxBodyBytes int64
}

// Server wires HTTP handlers to the queue and event stream.
type Server struct {
	router chi.Router
	apps   Applications
	subs   Subscriber
	checks map[string]ReadyCheck
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. subs may be nil,
// in which case the events endpoint answers 503.
func NewServer(apps Applications, subs Subscriber, checks map[string]ReadyCheck, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		apps:   apps,
		subs:   subs,
		checks: checks,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/applications", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/", s.submitApplication)
			r.Get("/{id}", s.getApplication)
			r.Get("/{id}/attempts", s.listAttempts)
		})
		r.Get("/{id}/events", s.streamEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failing[name] = apply.Sanitize(err.Error())
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isNotFound(err error) bool {
	return errors.Is(err, apply.ErrNotFound)
}
