// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Selection SelectionConfig `mapstructure:"selection"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Workers   WorkersConfig   `mapstructure:"workers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// Progress streams are exempt from the request timeout and end after
	// StreamMaxSeconds instead.
	StreamHeartbeatSeconds int `mapstructure:"stream_heartbeat_seconds"`
	StreamPollSeconds      int `mapstructure:"stream_poll_seconds"`
	StreamMaxSeconds       int `mapstructure:"stream_max_seconds"`
}

// AuthConfig protects the synchronous discovery endpoint.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// PipelineConfig holds the scan policy values.
type PipelineConfig struct {
	MaxPages             int    `mapstructure:"max_pages"`
	TopN                 int    `mapstructure:"top_n"`
	TaskTimeLimitSeconds int    `mapstructure:"task_time_limit_seconds"`
	PageConcurrency      int    `mapstructure:"page_concurrency"`
	DefaultScanType      string `mapstructure:"default_scan_type"`
}

// HTTPConfig configures outbound page fetching.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
}

// DiscoveryConfig tunes the crawl.
type DiscoveryConfig struct {
	RatePerHost  float64 `mapstructure:"rate_per_host"`
	Burst        int     `mapstructure:"burst"`
	StaleRetries int     `mapstructure:"stale_retries"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int  `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// SelectionConfig bounds the ranking call.
type SelectionConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LLMConfig points at an OpenAI-compatible chat completions API.
type LLMConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// BrokerConfig selects the task broker.
type BrokerConfig struct {
	Provider      string `mapstructure:"provider"`
	QueueDepth    int    `mapstructure:"queue_depth"`
	MaxDeliveries int    `mapstructure:"max_deliveries"`
	// RevokeTTLSeconds bounds how long the memory broker remembers canceled jobs.
	RevokeTTLSeconds int `mapstructure:"revoke_ttl_seconds"`
}

// PubSubConfig holds Google Pub/Sub topic naming.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	TopicPrefix        string `mapstructure:"topic_prefix"`
	SubscriptionSuffix string `mapstructure:"subscription_suffix"`
	CreateMissing      bool   `mapstructure:"create_missing"`
}

// StoreConfig selects the job store.
type StoreConfig struct {
	Provider string `mapstructure:"provider"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// BlobConfig selects where scraped HTML lives.
type BlobConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// WorkersConfig is the per-phase concurrency table handed to worker startup.
type WorkersConfig struct {
	Concurrency map[string]int `mapstructure:"concurrency"`
}

var defaultConcurrency = map[string]int{
	string(scan.PhaseOrchestration): 4,
	string(scan.PhaseDiscovery):     2,
	string(scan.PhaseSelection):     4,
	string(scan.PhaseScraping):      4,
	string(scan.PhaseExtraction):    4,
	string(scan.PhaseAnalysis):      4,
	string(scan.PhaseAggregation):   2,
	scan.DefaultQueue:               1,
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key gets a default so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.stream_heartbeat_seconds", 30)
	v.SetDefault("server.stream_poll_seconds", 2)
	v.SetDefault("server.stream_max_seconds", 300)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("pipeline.max_pages", 15)
	v.SetDefault("pipeline.top_n", 10)
	v.SetDefault("pipeline.task_time_limit_seconds", 3600)
	v.SetDefault("pipeline.page_concurrency", 4)
	v.SetDefault("pipeline.default_scan_type", string(scan.ScanTypeFull))
	v.SetDefault("http.user_agent", "site-audit-bot/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("discovery.rate_per_host", 4.0)
	v.SetDefault("discovery.burst", 2)
	v.SetDefault("discovery.stale_retries", 3)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("selection.timeout_seconds", 30)
	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "openai/gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("broker.provider", "memory")
	v.SetDefault("broker.queue_depth", 256)
	v.SetDefault("broker.max_deliveries", 3)
	v.SetDefault("broker.revoke_ttl_seconds", 3600)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_prefix", "")
	v.SetDefault("pubsub.subscription_suffix", "workers")
	v.SetDefault("pubsub.create_missing", false)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("blob.provider", "memory")
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("blob.local_dir", "")
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("blob.content_type", "text/html; charset=utf-8")
	for name, n := range defaultConcurrency {
		v.SetDefault("workers.concurrency."+name, n)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Pipeline.MaxPages <= 0 {
		return fmt.Errorf("pipeline.max_pages must be > 0")
	}
	if c.Pipeline.TopN <= 0 || c.Pipeline.TopN > c.Pipeline.MaxPages {
		return fmt.Errorf("pipeline.top_n must be between 1 and pipeline.max_pages")
	}
	if c.Pipeline.TaskTimeLimitSeconds <= 0 {
		return fmt.Errorf("pipeline.task_time_limit_seconds must be > 0")
	}
	if c.Pipeline.DefaultScanType != "" && !scan.ScanType(c.Pipeline.DefaultScanType).Valid() {
		return fmt.Errorf("pipeline.default_scan_type %q is not a known scan type", c.Pipeline.DefaultScanType)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Selection.TimeoutSeconds <= 0 {
		return fmt.Errorf("selection.timeout_seconds must be > 0")
	}
	if c.LLM.Enabled && (c.LLM.BaseURL == "" || c.LLM.Model == "") {
		return fmt.Errorf("llm.base_url and llm.model must be set when llm is enabled")
	}
	switch c.Broker.Provider {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when broker.provider is pubsub")
		}
	default:
		return fmt.Errorf("broker.provider %q must be memory or pubsub", c.Broker.Provider)
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("store.provider %q must be memory or postgres", c.Store.Provider)
	}
	switch c.Blob.Provider {
	case "memory":
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set when blob.provider is local")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("blob.provider %q must be memory, local or gcs", c.Blob.Provider)
	}
	for name, n := range c.Workers.Concurrency {
		if name != scan.DefaultQueue {
			if _, err := scan.ParsePhase(name); err != nil {
				return fmt.Errorf("workers.concurrency: %w", err)
			}
		}
		if n < 0 {
			return fmt.Errorf("workers.concurrency.%s must be >= 0", name)
		}
	}
	return nil
}

// TaskTimeLimit is the ceiling for one unit of work.
func (c Config) TaskTimeLimit() time.Duration {
	return time.Duration(c.Pipeline.TaskTimeLimitSeconds) * time.Second
}

// SelectionTimeout bounds a single ranking call.
func (c Config) SelectionTimeout() time.Duration {
	return time.Duration(c.Selection.TimeoutSeconds) * time.Second
}

// HTTPTimeout bounds a single page fetch.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// QueueConcurrency maps queue names to worker counts, falling back to the defaults
// for queues the config does not mention.
func (c Config) QueueConcurrency() map[string]int {
	out := make(map[string]int, len(defaultConcurrency))
	for name, n := range defaultConcurrency {
		out[queueName(name)] = n
	}
	for name, n := range c.Workers.Concurrency {
		out[queueName(name)] = n
	}
	return out
}

func queueName(name string) string {
	if name == scan.DefaultQueue {
		return name
	}
	if p, err := scan.ParsePhase(name); err == nil {
		return p.Queue()
	}
	return name
}
