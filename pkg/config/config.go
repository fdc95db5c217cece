// Package config defines the application configuration and its YAML loader.
//
// Configuration comes from a YAML file with ${VAR} / ${VAR:-default}
// environment expansion, plus .env/.env.local files loaded beforehand.
// Every section applies its own defaults and validates itself.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Credits    CreditsConfig    `yaml:"credits"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CORSOrigins are the allowed origins for browser clients.
	// "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig holds settings for the chat-completions client used for
// problem extraction and cluster summaries.
type LLMConfig struct {
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`

	// MaxInputTokens is the token budget for newsletter content sent to
	// the model; longer bodies are truncated.
	MaxInputTokens int `yaml:"max_input_tokens"`
}

// EmbedderConfig holds settings for the embeddings client.
type EmbedderConfig struct {
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Dimension  int           `yaml:"dimension"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// CreditsConfig holds the monthly analysis quota settings.
type CreditsConfig struct {
	// DefaultLimit is the monthly credit budget for subjects without a
	// plan-specific limit.
	DefaultLimit int `yaml:"default_limit"`

	// PlanLimits maps plan names to monthly budgets.
	PlanLimits map[string]int `yaml:"plan_limits"`

	// ReservationTTL is how long a pending reservation may live before it
	// is reclaimed.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

// ClusteringConfig holds problem-grouping settings.
type ClusteringConfig struct {
	// SimilarityThreshold is the minimum cosine similarity to a cluster
	// centroid for a problem to join the cluster.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MinClusterSize is the smallest group kept as a cluster.
	MinClusterSize int `yaml:"min_cluster_size"`

	// EnrichSummaries enables the LLM pass that names and summarizes
	// each cluster.
	EnrichSummaries bool `yaml:"enrich_summaries"`
}

// IngestConfig holds inbound newsletter settings.
type IngestConfig struct {
	// MailgunSigningKey verifies webhook signatures. Empty disables
	// verification (local development only).
	MailgunSigningKey string `yaml:"mailgun_signing_key"`

	// WebhookMaxAge rejects webhook signatures older than this.
	WebhookMaxAge time.Duration `yaml:"webhook_max_age"`

	// DedupeTTL is how long delivery fingerprints are remembered to drop
	// Mailgun retries of already-accepted messages.
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`

	// DefaultSubject is the quota subject charged for inbound newsletters
	// that cannot be attributed to a user.
	DefaultSubject string `yaml:"default_subject"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Database == "" && c.Database.Dialect() == "sqlite" {
		c.Database.Database = "newsletter-mining.db"
	}
	c.Database.SetDefaults()

	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.1
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.MaxInputTokens == 0 {
		c.LLM.MaxInputTokens = 6000
	}

	if c.Embedder.Model == "" {
		c.Embedder.Model = "text-embedding-3-small"
	}
	if c.Embedder.BaseURL == "" {
		c.Embedder.BaseURL = c.LLM.BaseURL
	}
	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = c.LLM.APIKey
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 1536
	}
	if c.Embedder.BatchSize == 0 {
		c.Embedder.BatchSize = 100
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30 * time.Second
	}
	if c.Embedder.MaxRetries == 0 {
		c.Embedder.MaxRetries = 3
	}

	if c.Credits.DefaultLimit == 0 {
		c.Credits.DefaultLimit = 50
	}
	if c.Credits.ReservationTTL == 0 {
		c.Credits.ReservationTTL = 20 * time.Minute
	}

	if c.Clustering.SimilarityThreshold == 0 {
		c.Clustering.SimilarityThreshold = 0.78
	}
	if c.Clustering.MinClusterSize == 0 {
		c.Clustering.MinClusterSize = 2
	}

	if c.Ingest.WebhookMaxAge == 0 {
		c.Ingest.WebhookMaxAge = 15 * time.Minute
	}
	if c.Ingest.DedupeTTL == 0 {
		c.Ingest.DedupeTTL = 10 * time.Minute
	}
	if c.Ingest.DefaultSubject == "" {
		c.Ingest.DefaultSubject = "inbound"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm: temperature must be between 0 and 2, got %g", c.LLM.Temperature)
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm: max_retries must be non-negative")
	}

	if c.Embedder.Dimension < 1 {
		return fmt.Errorf("embedder: dimension must be positive")
	}
	if c.Embedder.BatchSize < 1 {
		return fmt.Errorf("embedder: batch_size must be positive")
	}

	if c.Credits.DefaultLimit < 1 {
		return fmt.Errorf("credits: default_limit must be positive")
	}
	for plan, limit := range c.Credits.PlanLimits {
		if limit < 1 {
			return fmt.Errorf("credits: plan %q limit must be positive, got %d", plan, limit)
		}
	}
	if c.Credits.ReservationTTL < time.Second {
		return fmt.Errorf("credits: reservation_ttl must be at least 1s")
	}

	if c.Clustering.SimilarityThreshold <= 0 || c.Clustering.SimilarityThreshold >= 1 {
		return fmt.Errorf("clustering: similarity_threshold must be in (0, 1), got %g", c.Clustering.SimilarityThreshold)
	}
	if c.Clustering.MinClusterSize < 1 {
		return fmt.Errorf("clustering: min_cluster_size must be positive")
	}

	return nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads, expands, decodes, and validates a configuration file.
// Env files (.env.local, .env) are loaded first so ${VAR} references in the
// YAML resolve against them.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded, _ := ExpandEnvVarsInData(raw).(map[string]any)

	cfg := &Config{}
	if err := decodeConfig(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// decodeConfig decodes a map into a Config struct using mapstructure.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}
