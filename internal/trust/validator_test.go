package trust

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

func TestValidatorAcceptsKnownATSHosts(t *testing.T) {
	t.Parallel()

	v := New(nil)
	cases := map[string]string{
		"https://boards.greenhouse.io/acme/jobs/123#app":             "https://boards.greenhouse.io/acme/jobs/123",
		"HTTPS://Jobs.Lever.co:443/acme/abc-def?b=2&a=1":             "https://jobs.lever.co/acme/abc-def?a=1&b=2",
		"https://acme.wd5.myworkdayjobs.com/en-US/careers/job/R-100": "https://acme.wd5.myworkdayjobs.com/en-US/careers/job/R-100",
		"https://jobs.ashbyhq.com/acme/6f0c":                         "https://jobs.ashbyhq.com/acme/6f0c",
		"https://careers-acme.icims.com/jobs/4411/job":               "https://careers-acme.icims.com/jobs/4411/job",
	}
	for in, want := range cases {
		got, err := v.Validate(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
}

func TestValidatorRejects(t *testing.T) {
	t.Parallel()

	v := New(nil)
	cases := []struct {
		name string
		url  string
	}{
		{"http scheme", "http://boards.greenhouse.io/acme/jobs/1"},
		{"credentials", "https://user:pw@boards.greenhouse.io/acme/jobs/1"},
		{"unknown host", "https://evil.example.com/apply"},
		{"lookalike suffix", "https://greenhouse.io.evil.com/apply"},
		{"bare wildcard suffix", "https://lever.co/apply"},
		{"ip literal", "https://127.0.0.1/apply"},
		{"internal port", "https://boards.greenhouse.io:8443/acme"},
		{"empty", "   "},
		{"javascript", "javascript:alert(1)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Validate(tc.url)
			var untrusted *apply.UntrustedDomainError
			require.ErrorAs(t, err, &untrusted)
			require.NotContains(t, untrusted.URL, "pw@")
		})
	}
}

func TestValidatorCustomPatterns(t *testing.T) {
	t.Parallel()

	v := New([]string{"careers.acme.com", ".acme-jobs.io"})
	require.True(t, v.Allowed("https://careers.acme.com/apply/1"))
	require.True(t, v.Allowed("https://eu.acme-jobs.io/apply/1"))
	require.False(t, v.Allowed("https://boards.greenhouse.io/acme/jobs/1"))
	require.False(t, v.Allowed("https://sub.careers.acme.com/apply/1"))
}
