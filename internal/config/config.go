// Package config loads the service configuration from YAML or JSON5
// files, with environment variable expansion and $include composition.
package config

import (
	"fmt"
	"time"

	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/evidence"
	"github.com/lorekeep/lorekeep/internal/storage"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Database  storage.Config        `yaml:"database"`
	Redis     cache.RedisConfig     `yaml:"redis"`
	Qdrant    evidence.QdrantConfig `yaml:"qdrant"`
	LLM       LLMConfig             `yaml:"llm"`
	Embedding EmbeddingConfig       `yaml:"embedding"`
	Retrieval RetrievalConfig       `yaml:"retrieval"`
	Workers   WorkersConfig         `yaml:"workers"`
	Alerts    AlertsConfig          `yaml:"alerts"`
	Logging   LoggingConfig         `yaml:"logging"`
	Tracing   TracingConfig         `yaml:"tracing"`

	// Sandbox runs the whole stack offline: canned LLM, in-memory cache
	// and session store, no Redis, no Qdrant.
	Sandbox bool `yaml:"sandbox"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	APIKey          string        `yaml:"api_key"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type RetrievalConfig struct {
	TrgmWeight   float64 `yaml:"trgm_weight"`
	QdrantWeight float64 `yaml:"qdrant_weight"`
}

type WorkersConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AlertSchedule    string        `yaml:"alert_schedule"`
	BackfillSchedule string        `yaml:"backfill_schedule"`
	RefreshSchedule  string        `yaml:"refresh_schedule"`
	BatchSize        int           `yaml:"batch_size"`
	AlertLookback    time.Duration `yaml:"alert_lookback"`
	EmbeddingMaxAge  time.Duration `yaml:"embedding_max_age"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
}

type AlertsConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads the configuration at path, resolves includes, expands
// environment variables, and applies defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a sandbox configuration that runs without external
// services.
func Default() *Config {
	cfg := &Config{Sandbox: true}
	applyDefaults(cfg)
	return cfg
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if !c.Sandbox && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required outside sandbox mode")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
		if !c.Sandbox && c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider)
		}
	case "sandbox", "":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case "openai":
		if !c.Sandbox && c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required for provider %q", c.Embedding.Provider)
		}
	case "noop", "":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 45 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = "lorekeep-evidence"
	}
	if cfg.Qdrant.Dimension == 0 {
		cfg.Qdrant.Dimension = 1536
	}
	if cfg.LLM.Provider == "" {
		if cfg.Sandbox {
			cfg.LLM.Provider = "sandbox"
		} else {
			cfg.LLM.Provider = "anthropic"
		}
	}
	if cfg.Embedding.Provider == "" {
		if cfg.Sandbox {
			cfg.Embedding.Provider = "noop"
		} else {
			cfg.Embedding.Provider = "openai"
		}
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = cfg.Qdrant.Dimension
	}
	if cfg.Retrieval.TrgmWeight == 0 && cfg.Retrieval.QdrantWeight == 0 {
		cfg.Retrieval.TrgmWeight, cfg.Retrieval.QdrantWeight = 0.4, 0.6
	}
	if cfg.Workers.AlertSchedule == "" {
		cfg.Workers.AlertSchedule = "@every 1m"
	}
	if cfg.Workers.BackfillSchedule == "" {
		cfg.Workers.BackfillSchedule = "@every 5m"
	}
	if cfg.Workers.RefreshSchedule == "" {
		cfg.Workers.RefreshSchedule = "@daily"
	}
	if cfg.Workers.BatchSize == 0 {
		cfg.Workers.BatchSize = 50
	}
	if cfg.Workers.AlertLookback == 0 {
		cfg.Workers.AlertLookback = time.Hour
	}
	if cfg.Workers.EmbeddingMaxAge == 0 {
		cfg.Workers.EmbeddingMaxAge = 30 * 24 * time.Hour
	}
	if cfg.Workers.JobTimeout == 0 {
		cfg.Workers.JobTimeout = 5 * time.Minute
	}
	if cfg.Alerts.WebhookTimeout == 0 {
		cfg.Alerts.WebhookTimeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Tracing.Environment == "" {
		cfg.Tracing.Environment = "development"
	}
}
