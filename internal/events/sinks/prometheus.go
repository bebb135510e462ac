package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnymr/PASS-ATS-sub004/internal/events"
)

// PrometheusSink derives lifecycle metrics from the event stream.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	inFlight    prometheus.Gauge
	stateVisits *prometheus.CounterVec
	requestCost prometheus.Histogram

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apply_events_total",
			Help: "Lifecycle events partitioned by stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apply_attempts_in_flight",
			Help: "Attempts started but not yet resolved.",
		}),
		stateVisits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apply_orchestrator_states_total",
			Help: "Orchestrator state entries partitioned by state.",
		}, []string{"state"}),
		requestCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apply_attempt_cost",
			Help:    "Spend per resolved attempt.",
			Buckets: []float64{0, 0.001, 0.003, 0.01, 0.03, 0.1, 0.3},
		}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{s.events, s.inFlight, s.stateVisits, s.requestCost} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors for each event.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case events.StageAttemptStart:
			if s.track(evt.RequestID, true) {
				s.inFlight.Inc()
			}
		case events.StageState:
			s.stateVisits.WithLabelValues(evt.State).Inc()
		case events.StageAttemptDone, events.StageAttemptRetry, events.StageAttemptFailed:
			s.requestCost.Observe(evt.Cost)
			if s.track(evt.RequestID, false) {
				s.inFlight.Dec()
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// track records start (or end) and reports whether the set changed.
func (s *PrometheusSink) track(id string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	if start {
		if ok {
			return false
		}
		s.running[id] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, id)
	return true
}
