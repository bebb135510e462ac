package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
queue:
  workers: 3
  attempt_timeout: 5m
  lock_ttl: 6m
retry:
  max_attempts: 6
  base_delay: 10s
  max_delay: 10m
trust:
  allowed_hosts: ["boards.greenhouse.io", "*.lever.co"]
browser:
  max_sessions: 3
  headless: false
  remote_url: ws://chrome:9222
  proxy:
    server: http://proxy:3128
    username: user
challenge:
  enabled: true
  base_url: https://solver.example.com
  max_rounds: 3
storage:
  backend: postgres
db:
  dsn: postgres://apply@localhost/apply
resume:
  backend: gcs
  bucket: resumes
pubsub:
  project_id: proj
  topic_name: outcomes
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Queue.Workers != 3 || cfg.Queue.AttemptTimeout != 5*time.Minute || cfg.Queue.LockTTL != 6*time.Minute {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.Retry.BaseDelay != 10*time.Second || cfg.Retry.MaxAttempts != 6 {
		t.Fatalf("expected retry overrides to apply: %+v", cfg.Retry)
	}
	if len(cfg.Trust.AllowedHosts) != 2 || cfg.Trust.AllowedHosts[1] != "*.lever.co" {
		t.Fatalf("expected allow-list to load: %+v", cfg.Trust.AllowedHosts)
	}
	if cfg.Browser.Headless || cfg.Browser.RemoteURL != "ws://chrome:9222" || cfg.Browser.Proxy.Username != "user" {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Challenge.MaxRounds != 3 || !cfg.Challenge.Enabled {
		t.Fatalf("expected challenge overrides to apply: %+v", cfg.Challenge)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Resume.Backend != "gcs" {
		t.Fatalf("expected backends to switch: %s %s", cfg.Storage.Backend, cfg.Resume.Backend)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if cfg.Browser.SettleDelay != 1500*time.Millisecond {
		t.Fatalf("expected default settle delay, got %v", cfg.Browser.SettleDelay)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != "memory" || cfg.Resume.Backend != "local" {
		t.Fatalf("unexpected default backends: %s %s", cfg.Storage.Backend, cfg.Resume.Backend)
	}
	if cfg.Queue.LockTTL <= cfg.Queue.AttemptTimeout {
		t.Fatalf("default lock ttl %v must exceed attempt timeout %v", cfg.Queue.LockTTL, cfg.Queue.AttemptTimeout)
	}
	if cfg.Budget.DailyLimit != 1.0 {
		t.Fatalf("expected default daily limit 1.0, got %v", cfg.Budget.DailyLimit)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APPLY_QUEUE_WORKERS", "1")
	t.Setenv("APPLY_BUDGET_DAILY_LIMIT", "2.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Workers != 1 {
		t.Fatalf("expected env workers override, got %d", cfg.Queue.Workers)
	}
	if cfg.Budget.DailyLimit != 2.5 {
		t.Fatalf("expected env budget override, got %v", cfg.Budget.DailyLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "no workers", mutate: func(c *Config) { c.Queue.Workers = 0 }, want: "queue.workers"},
		{name: "lock shorter than attempt", mutate: func(c *Config) { c.Queue.LockTTL = c.Queue.AttemptTimeout }, want: "queue.lock_ttl"},
		{name: "stale sweep inside lease", mutate: func(c *Config) { c.Queue.StaleAfter = c.Queue.LockTTL }, want: "queue.stale_after"},
		{name: "stale sweep inside attempt", mutate: func(c *Config) { c.Queue.StaleAfter = c.Queue.AttemptTimeout / 2 }, want: "queue.stale_after"},
		{name: "pool smaller than workers", mutate: func(c *Config) { c.Browser.MaxSessions = 1; c.Queue.Workers = 2 }, want: "browser.max_sessions"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Backend = "postgres" }, want: "db.dsn"},
		{name: "unknown store", mutate: func(c *Config) { c.Storage.Backend = "sqlite" }, want: "storage.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Resume.Backend = "gcs" }, want: "resume.bucket"},
		{name: "solver without url", mutate: func(c *Config) { c.Challenge.Enabled = true }, want: "challenge.base_url"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
		{name: "negative budget", mutate: func(c *Config) { c.Budget.DailyLimit = -1 }, want: "budget.daily_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
