// Package config holds all tx configuration: defaults, optional YAML file,
// and environment-variable overrides (env wins over file wins over defaults).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tx configuration.
type Config struct {
	// State directory (database, daemon files, logs). Default ".tx".
	StateDir string `yaml:"state_dir"`

	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Pool      PoolConfig      `yaml:"pool"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Anchors   AnchorConfig    `yaml:"anchors"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`    // empty = auth disabled
	TrustProxy bool   `yaml:"trust_proxy"` // honor X-Forwarded-For
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// PoolConfig configures the worker registry.
type PoolConfig struct {
	MaxWorkers        int           `yaml:"max_workers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedThreshold   int           `yaml:"missed_threshold"` // heartbeats missed before a worker is dead
}

// ReaperConfig configures stalled-run detection.
type ReaperConfig struct {
	TranscriptIdle time.Duration `yaml:"transcript_idle"`
	HeartbeatLag   time.Duration `yaml:"heartbeat_lag"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	TermGrace      time.Duration `yaml:"term_grace"` // SIGTERM -> SIGKILL window
}

// AnchorConfig configures anchor verification.
type AnchorConfig struct {
	VerifyTTL      time.Duration `yaml:"verify_ttl"`       // staleness TTL for lazy verification
	PruneAfter     time.Duration `yaml:"prune_after"`      // invalid anchors older than this are pruned
	HealThreshold  float64       `yaml:"heal_threshold"`   // Jaccard similarity to self-heal hash anchors
	PreviewMaxSize int           `yaml:"preview_max_size"` // stored content preview cap in bytes
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "" (disabled; lexical-only search).
	Provider string `yaml:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Timeout for provider calls. Expansion/rerank collaborators share it.
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig configures the in-memory sliding-window limiter.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`  // requests per window
	Window  time.Duration `yaml:"window"`
	Message string        `yaml:"message"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir: ".tx",
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7433",
		},
		Store: StoreConfig{
			DatabasePath: "", // derived from StateDir when empty
		},
		Pool: PoolConfig{
			MaxWorkers:        16,
			HeartbeatInterval: 10 * time.Second,
			MissedThreshold:   3,
		},
		Reaper: ReaperConfig{
			TranscriptIdle: 120 * time.Second,
			HeartbeatLag:   60 * time.Second,
			PollInterval:   30 * time.Second,
			TermGrace:      10 * time.Second,
		},
		Anchors: AnchorConfig{
			VerifyTTL:      time.Hour,
			PruneAfter:     90 * 24 * time.Hour,
			HealThreshold:  0.8,
			PreviewMaxSize: 500,
		},
		Embedding: EmbeddingConfig{
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Timeout:        30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Limit:   120,
			Window:  time.Minute,
			Message: "rate limit exceeded",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DatabasePath resolves the database file location.
func (c *Config) DatabasePath() string {
	if c.Store.DatabasePath != "" {
		return c.Store.DatabasePath
	}
	return filepath.Join(c.StateDir, "tx.db")
}

// PIDFilePath is where the daemon records its pid.
func (c *Config) PIDFilePath() string { return filepath.Join(c.StateDir, "daemon.pid") }

// StartedFilePath is where the daemon records its start timestamp.
func (c *Config) StartedFilePath() string { return filepath.Join(c.StateDir, "daemon.started") }

// Load builds the effective config: defaults, then the YAML file at path
// (if it exists), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from TX_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("TX_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("TX_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TX_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("TX_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("TX_TRUST_PROXY"); v != "" {
		c.Server.TrustProxy = envBool(v)
	}
	if v := os.Getenv("TX_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("TX_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.Limit = n
		}
	}
	if v := os.Getenv("TX_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.RateLimit.Window = d
		}
	}
	if v := os.Getenv("TX_RATE_LIMIT_MESSAGE"); v != "" {
		c.RateLimit.Message = v
	}
	if v := os.Getenv("TX_ANCHOR_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Anchors.VerifyTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TX_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("TX_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("TX_EMBEDDING_MODEL"); v != "" {
		c.Embedding.OllamaModel = v
		c.Embedding.GenAIModel = v
	}
	if v := os.Getenv("TX_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Embedding.GenAIAPIKey == "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("TX_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.MaxWorkers = n
		}
	}
	if v := os.Getenv("TX_DEBUG"); v != "" {
		c.Logging.Debug = envBool(v)
	}
	if v := os.Getenv("TX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be positive, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.MissedThreshold <= 0 {
		return fmt.Errorf("pool.missed_threshold must be positive, got %d", c.Pool.MissedThreshold)
	}
	if c.Anchors.HealThreshold < 0 || c.Anchors.HealThreshold > 1 {
		return fmt.Errorf("anchors.heal_threshold must be in [0,1], got %v", c.Anchors.HealThreshold)
	}
	switch c.Embedding.Provider {
	case "", "ollama", "genai":
	default:
		return fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", c.Embedding.Provider)
	}
	return nil
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
