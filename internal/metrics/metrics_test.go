package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Boards.Greenhouse.io/acme", "boards.greenhouse.io"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if enqueueTotal == nil || attemptsTotal == nil || httpRequestsTotal == nil || browserSessions == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveAttempt(t *testing.T) {
	Init()
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("SUBMITTED", "none"))
	ObserveAttempt("SUBMITTED", "", 3*time.Second)
	if got := testutil.ToFloat64(attemptsTotal.WithLabelValues("SUBMITTED", "none")); got != before+1 {
		t.Errorf("expected attempts counter to be %f, got %f", before+1, got)
	}
}

func TestSetBrowserSessions(t *testing.T) {
	SetBrowserSessions(2, 3)
	if got := testutil.ToFloat64(browserSessions.WithLabelValues("busy")); got != 3 {
		t.Errorf("expected busy=3, got %f", got)
	}
	if got := testutil.ToFloat64(browserSessions.WithLabelValues("idle")); got != 2 {
		t.Errorf("expected idle=2, got %f", got)
	}
}
