// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Auth       AuthConfig           `mapstructure:"auth"`
	DB         DBConfig             `mapstructure:"db"`
	Scrape     ScrapeConfig         `mapstructure:"scrape"`
	Gateway    GatewayConfig        `mapstructure:"gateway"`
	Guardrail  GuardrailConfig      `mapstructure:"guardrail"`
	Pipeline   PipelineConfig       `mapstructure:"pipeline"`
	Vector     VectorConfig         `mapstructure:"vector"`
	Archive    ArchiveConfig        `mapstructure:"archive"`
	Events     EventsConfig         `mapstructure:"events"`
	Logging    LoggingConfig        `mapstructure:"logging"`
	SourceSets map[string]SourceSet `mapstructure:"source_sets"`
}

// SourceSet is a named bundle of source identifiers callers can reference
// instead of listing URLs inline.
type SourceSet struct {
	Sources []string `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls the Postgres connection pool.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ScrapeConfig governs connector behavior.
type ScrapeConfig struct {
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	UserAgent         string `mapstructure:"user_agent"`
	FreshnessHours    int    `mapstructure:"freshness_hours"`
	SocialAPIURL      string `mapstructure:"social_api_url"`
	SocialBearerToken string `mapstructure:"social_bearer_token"`
	SocialMaxResults  int    `mapstructure:"social_max_results"`
}

// GatewayConfig configures the resilient model gateway.
type GatewayConfig struct {
	APIKey                 string `mapstructure:"api_key"`
	Model                  string `mapstructure:"model"`
	EmbedModel             string `mapstructure:"embed_model"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	MaxRetries             int    `mapstructure:"max_retries"`
	BackoffInitialMs       int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int    `mapstructure:"backoff_max_ms"`
	BreakerThreshold       int    `mapstructure:"breaker_threshold"`
	BreakerCooldownSeconds int    `mapstructure:"breaker_cooldown_seconds"`
}

// GuardrailConfig sets the per-caller rate ceilings and daily token budget.
type GuardrailConfig struct {
	RequestsPerMinute int   `mapstructure:"requests_per_minute"`
	RequestsPerHour   int   `mapstructure:"requests_per_hour"`
	DailyTokens       int64 `mapstructure:"daily_tokens"`
	TokensPerSource   int64 `mapstructure:"tokens_per_source"`
}

// PipelineConfig governs orchestrator defaults and concurrency bounds.
type PipelineConfig struct {
	DaysBackDefault    int  `mapstructure:"days_back_default"`
	MaxClustersDefault int  `mapstructure:"max_clusters_default"`
	SummaryConcurrency int  `mapstructure:"summary_concurrency"`
	FilterEnabled      bool `mapstructure:"filter_enabled"`
	LLMFilterEnabled   bool `mapstructure:"llm_filter_enabled"`
}

// VectorConfig points at a Qdrant-compatible vector index. Empty URL
// disables semantic indexing.
type VectorConfig struct {
	URL        string `mapstructure:"url"`
	Collection string `mapstructure:"collection"`
}

// ArchiveConfig sets paths for raw payload archival.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig holds metadata for publish-subscribe notifications.
type EventsConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRENDSIFT")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("scrape.timeout_seconds", 45)
	v.SetDefault("scrape.user_agent", "trendsift-bot/0.1")
	v.SetDefault("scrape.freshness_hours", 24)
	v.SetDefault("scrape.social_api_url", "https://api.twitter.com/2")
	v.SetDefault("scrape.social_max_results", 10)
	v.SetDefault("gateway.model", "gemini-2.0-flash")
	v.SetDefault("gateway.embed_model", "text-embedding-004")
	v.SetDefault("gateway.timeout_seconds", 30)
	v.SetDefault("gateway.max_retries", 2)
	v.SetDefault("gateway.backoff_initial_ms", 250)
	v.SetDefault("gateway.backoff_max_ms", 5000)
	v.SetDefault("gateway.breaker_threshold", 5)
	v.SetDefault("gateway.breaker_cooldown_seconds", 30)
	v.SetDefault("guardrail.requests_per_minute", 6)
	v.SetDefault("guardrail.requests_per_hour", 60)
	v.SetDefault("guardrail.daily_tokens", 500_000)
	v.SetDefault("guardrail.tokens_per_source", 2000)
	v.SetDefault("pipeline.days_back_default", 7)
	v.SetDefault("pipeline.max_clusters_default", 5)
	v.SetDefault("pipeline.summary_concurrency", 3)
	v.SetDefault("pipeline.filter_enabled", false)
	v.SetDefault("pipeline.llm_filter_enabled", false)
	v.SetDefault("vector.collection", "articles")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("events.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scrape.TimeoutSeconds <= 0 {
		return fmt.Errorf("scrape.timeout_seconds must be > 0")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("gateway.timeout_seconds must be > 0")
	}
	if c.Gateway.BreakerThreshold <= 0 {
		return fmt.Errorf("gateway.breaker_threshold must be > 0")
	}
	if c.Guardrail.RequestsPerMinute <= 0 || c.Guardrail.RequestsPerHour <= 0 {
		return fmt.Errorf("guardrail rate ceilings must be > 0")
	}
	if c.Pipeline.SummaryConcurrency <= 0 {
		return fmt.Errorf("pipeline.summary_concurrency must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Archive.Provider == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
	}
	if c.Events.Provider == "pubsub" && (c.Events.ProjectID == "" || c.Events.TopicName == "") {
		return fmt.Errorf("events.project_id and events.topic_name must be set when events.provider is pubsub")
	}
	return nil
}

// ScrapeTimeout converts the per-source scrape budget into a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scrape.TimeoutSeconds) * time.Second
}

// FreshnessWindow is how recently a source must have been scraped to be
// served from the store without re-scraping.
func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Scrape.FreshnessHours) * time.Hour
}

// GatewayTimeout bounds a single model invocation attempt.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}
