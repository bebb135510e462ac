package classifier

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

func TestClassifyByURL(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	cases := []struct {
		url        string
		platform   apply.Platform
		complexity apply.Complexity
	}{
		{"https://boards.greenhouse.io/acme/jobs/4012", apply.PlatformGreenhouse, apply.ComplexityEasy},
		{"https://jobs.lever.co/acme/1c2d/apply", apply.PlatformLever, apply.ComplexityEasy},
		{"https://jobs.ashbyhq.com/acme/77/application", apply.PlatformAshby, apply.ComplexityMedium},
		{"https://acme.wd1.myworkdayjobs.com/External/job/NYC/Engineer_R1", apply.PlatformWorkday, apply.ComplexityComplex},
		{"https://careers-acme.icims.com/jobs/99/engineer/job", apply.PlatformICIMS, apply.ComplexityComplex},
	}
	for _, tc := range cases {
		got := c.Classify(tc.url, "")
		require.Equal(t, tc.platform, got.Platform, tc.url)
		require.Equal(t, tc.complexity, got.Complexity, tc.url)
		require.GreaterOrEqual(t, got.Confidence, 0.8, tc.url)
	}
}

func TestClassifyUnknownIsComplex(t *testing.T) {
	t.Parallel()

	got := New(Config{}).Classify("https://careers.acme.com/apply", "<html><form></form></html>")
	require.Equal(t, apply.PlatformOther, got.Platform)
	require.Equal(t, apply.ComplexityComplex, got.Complexity)
	require.Zero(t, got.Confidence)
}

func TestClassifyContentOnlyIsLowConfidence(t *testing.T) {
	t.Parallel()

	got := New(Config{MinConfidence: 0.6}).Classify(
		"https://careers.acme.com/openings/1",
		`<div id="grnhse_app"></div><script src="https://boards.greenhouse.io/embed/job_board/js"></script>`,
	)
	require.Equal(t, apply.PlatformGreenhouse, got.Platform)
	require.Less(t, got.Confidence, 0.6)
	require.Equal(t, apply.ComplexityComplex, got.Complexity)
}

func TestClassifyLoginWallEscalates(t *testing.T) {
	t.Parallel()

	got := New(Config{}).Classify(
		"https://jobs.lever.co/acme/1c2d/apply",
		`<form><input type="password" name="pw"></form>`,
	)
	require.Equal(t, apply.PlatformLever, got.Platform)
	require.Equal(t, apply.ComplexityComplex, got.Complexity)
}

func TestWithHint(t *testing.T) {
	t.Parallel()

	c := New(Config{MinConfidence: 0.6})
	cls := c.Classify("https://boards.greenhouse.io/acme/jobs/1", "")

	agreed := c.WithHint(cls, apply.PlatformGreenhouse)
	require.Greater(t, agreed.Confidence, cls.Confidence)

	conflicted := c.WithHint(cls, apply.PlatformLever)
	require.Less(t, conflicted.Confidence, 0.6)
	require.Equal(t, apply.ComplexityComplex, conflicted.Complexity)
}

func TestSamplerFetchesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<html><body id="application_form">apply</body></html>`)
	}))
	defer srv.Close()

	s := NewSampler(SamplerConfig{UserAgent: "test-agent", Timeout: 2 * time.Second})
	body, err := s.Sample(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, body, "application_form")
}

func TestSamplerReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSampler(SamplerConfig{}).Sample(context.Background(), srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}
