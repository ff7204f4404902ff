package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.MaxPages != 15 || cfg.Pipeline.TopN != 10 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Broker.Provider != "memory" || cfg.Store.Provider != "memory" || cfg.Blob.Provider != "memory" {
		t.Fatalf("expected in-memory providers by default")
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("unexpected tracing defaults: %+v", cfg.Tracing)
	}
	if got := cfg.TaskTimeLimit(); got != time.Hour {
		t.Fatalf("expected 1h task time limit, got %v", got)
	}
	if got := cfg.SelectionTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s selection timeout, got %v", got)
	}
	concurrency := cfg.QueueConcurrency()
	if concurrency["scan.discovery"] != 2 || concurrency["default"] != 1 {
		t.Fatalf("unexpected default concurrency: %+v", concurrency)
	}
}

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
pipeline:
  max_pages: 20
  top_n: 5
  task_time_limit_seconds: 120
http:
  timeout_seconds: 45
  max_retries: 4
headless:
  enabled: true
  max_parallel: 2
llm:
  enabled: true
  model: test-model
broker:
  provider: pubsub
pubsub:
  project_id: demo-project
blob:
  provider: local
  local_dir: /tmp/pages
workers:
  concurrency:
    scraping: 8
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
	if cfg.Pipeline.MaxPages != 20 || cfg.Pipeline.TopN != 5 {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if cfg.LLM.Model != "test-model" || cfg.LLM.BaseURL == "" {
		t.Fatalf("expected llm model override with default endpoint: %+v", cfg.LLM)
	}
	if cfg.Broker.Provider != "pubsub" || cfg.PubSub.ProjectID != "demo-project" {
		t.Fatalf("expected pubsub broker: %+v %+v", cfg.Broker, cfg.PubSub)
	}
	if got := cfg.TaskTimeLimit(); got != 2*time.Minute {
		t.Fatalf("expected 2m task time limit, got %v", got)
	}
	if got := cfg.HTTPTimeout(); got != 45*time.Second {
		t.Fatalf("expected 45s http timeout, got %v", got)
	}
	concurrency := cfg.QueueConcurrency()
	if concurrency["scan.scraping"] != 8 {
		t.Fatalf("expected scraping concurrency 8, got %d", concurrency["scan.scraping"])
	}
	if concurrency["scan.analysis"] != 4 {
		t.Fatalf("expected analysis concurrency default 4, got %d", concurrency["scan.analysis"])
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITEAUDIT_SERVER_PORT", "7070")
	t.Setenv("SITEAUDIT_PIPELINE_TOP_N", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.TopN != 3 {
		t.Fatalf("expected env top_n 3, got %d", cfg.Pipeline.TopN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Pipeline:  PipelineConfig{MaxPages: 15, TopN: 10, TaskTimeLimitSeconds: 60, DefaultScanType: "full"},
		HTTP:      HTTPConfig{TimeoutSeconds: 10},
		Selection: SelectionConfig{TimeoutSeconds: 30},
		Broker:    BrokerConfig{Provider: "memory"},
		Store:     StoreConfig{Provider: "memory"},
		Blob:      BlobConfig{Provider: "memory"},
		Workers:   WorkersConfig{Concurrency: map[string]int{"discovery": 2}},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid base config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
		{"max pages", func(c *Config) { c.Pipeline.MaxPages = 0 }, "pipeline.max_pages"},
		{"top n above max", func(c *Config) { c.Pipeline.TopN = 16 }, "pipeline.top_n"},
		{"time limit", func(c *Config) { c.Pipeline.TaskTimeLimitSeconds = 0 }, "pipeline.task_time_limit_seconds"},
		{"scan type", func(c *Config) { c.Pipeline.DefaultScanType = "deep" }, "pipeline.default_scan_type"},
		{"http timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"headless parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"selection timeout", func(c *Config) { c.Selection.TimeoutSeconds = 0 }, "selection.timeout_seconds"},
		{"llm model", func(c *Config) { c.LLM.Enabled = true }, "llm.base_url"},
		{"broker provider", func(c *Config) { c.Broker.Provider = "kafka" }, "broker.provider"},
		{"pubsub project", func(c *Config) { c.Broker.Provider = "pubsub" }, "pubsub.project_id"},
		{"store provider", func(c *Config) { c.Store.Provider = "mysql" }, "store.provider"},
		{"db dsn", func(c *Config) { c.Store.Provider = "postgres" }, "db.dsn"},
		{"blob provider", func(c *Config) { c.Blob.Provider = "s3" }, "blob.provider"},
		{"local dir", func(c *Config) { c.Blob.Provider = "local" }, "blob.local_dir"},
		{"gcs bucket", func(c *Config) { c.Blob.Provider = "gcs" }, "blob.gcs_bucket"},
		{"unknown queue", func(c *Config) { c.Workers.Concurrency["billing"] = 1 }, "workers.concurrency"},
		{"negative workers", func(c *Config) { c.Workers.Concurrency["discovery"] = -1 }, "workers.concurrency.discovery"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
