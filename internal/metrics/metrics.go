// Package metrics exposes Prometheus collectors for the application engine.
package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enqueueTotal               *prometheus.CounterVec
	attemptsTotal              *prometheus.CounterVec
	attemptDurationSeconds     *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	browserSessions            *prometheus.GaugeVec
	browserAcquireWaitSeconds  prometheus.Histogram
	challengeSolvesTotal       *prometheus.CounterVec
	spendTotal                 prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	navigationDelaySeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		enqueueTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_enqueue_total",
				Help: "Enqueue calls partitioned by result.",
			},
			[]string{"result"},
		)

		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_attempts_total",
				Help: "Application attempts partitioned by outcome and error kind.",
			},
			[]string{"outcome", "kind"},
		)

		attemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apply_attempt_duration_seconds",
				Help:    "Wall time per attempt partitioned by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apply_active_workers",
				Help: "Number of workers currently running an attempt.",
			},
		)

		browserSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_browser_sessions",
				Help: "Browser sessions partitioned by state.",
			},
			[]string{"state"},
		)

		browserAcquireWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apply_browser_acquire_wait_seconds",
				Help:    "Time spent waiting for a browser session.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
		)

		challengeSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_challenge_solves_total",
				Help: "Challenge solve attempts partitioned by kind and result.",
			},
			[]string{"kind", "result"},
		)

		spendTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "apply_spend_total",
				Help: "Total spend on paid operations.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		navigationDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apply_navigation_delay_seconds",
				Help:    "Histogram of per-host pacing waits before navigation.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// Hijack lets websocket upgrades pass through the recorder.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	rec.statusCode = http.StatusSwitchingProtocols
	return conn, buf, nil
}

// ObserveEnqueue counts an enqueue result.
func ObserveEnqueue(result string) {
	Init()
	enqueueTotal.WithLabelValues(result).Inc()
}

// ObserveAttempt records an attempt outcome and its duration.
func ObserveAttempt(outcome, kind string, duration time.Duration) {
	Init()
	if kind == "" {
		kind = "none"
	}
	attemptsTotal.WithLabelValues(outcome, kind).Inc()
	attemptDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetBrowserSessions publishes the pool's idle and busy counts.
func SetBrowserSessions(idle, busy int) {
	Init()
	browserSessions.WithLabelValues("idle").Set(float64(idle))
	browserSessions.WithLabelValues("busy").Set(float64(busy))
}

// ObserveAcquireWait records time spent waiting for a session.
func ObserveAcquireWait(d time.Duration) {
	Init()
	browserAcquireWaitSeconds.Observe(d.Seconds())
}

// ObserveChallenge counts a solve attempt.
func ObserveChallenge(kind, result string) {
	Init()
	challengeSolvesTotal.WithLabelValues(kind, result).Inc()
}

// AddSpend adds paid-operation cost to the running total.
func AddSpend(amount float64) {
	Init()
	if amount > 0 {
		spendTotal.Add(amount)
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	navigationDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
