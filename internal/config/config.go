// Package config handles server configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis,omitempty"`
	AI       AIConfig       `json:"ai"`
	Rooms    RoomsConfig    `json:"rooms,omitempty"`
	Usage    UsageConfig    `json:"usage,omitempty"`
	Problems ProblemsConfig `json:"problems,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// RedisConfig selects the shared backing store. When URL is empty the
// registry is in-memory, snapshots are disabled, and usage is unmetered.
type RedisConfig struct {
	URL       string `json:"url,omitempty"`        // e.g. "redis://localhost:6379/0"
	KeyPrefix string `json:"key_prefix,omitempty"` // default "drawbridge:"
}

// AIConfig defines the model endpoint.
type AIConfig struct {
	APIKey    string   `json:"api_key"`
	BaseURL   string   `json:"base_url,omitempty"` // default https://api.anthropic.com
	Model     string   `json:"model,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"` // default 4096
	Timeout   Duration `json:"timeout,omitempty"`    // per-request; default 60s
}

// RoomsConfig bounds in-memory room state.
type RoomsConfig struct {
	DocumentCapacity int `json:"document_capacity,omitempty"` // live CRDT documents; default 256
	RegistryCapacity int `json:"registry_capacity,omitempty"` // in-memory registry entries; default 1024
}

// UsageConfig defines credit metering. Requires redis.
type UsageConfig struct {
	Metered        bool  `json:"metered,omitempty"`
	InitialCredits int64 `json:"initial_credits,omitempty"` // token grant per new user; default 500000
}

// ProblemsConfig points at an optional catalog file merged over the
// built-in problems.
type ProblemsConfig struct {
	CatalogPath string `json:"catalog_path,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("ai.api_key is required")
	}
	if c.Usage.Metered && c.Redis.URL == "" {
		return fmt.Errorf("usage.metered requires redis.url")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "drawbridge:"
	}
	if c.AI.Model == "" {
		c.AI.Model = "claude-sonnet-4-20250514"
	}
	if c.AI.MaxTokens == 0 {
		c.AI.MaxTokens = 4096
	}
	if c.AI.Timeout.Duration == 0 {
		c.AI.Timeout.Duration = 60 * time.Second
	}
	if c.Rooms.DocumentCapacity == 0 {
		c.Rooms.DocumentCapacity = 256
	}
	if c.Rooms.RegistryCapacity == 0 {
		c.Rooms.RegistryCapacity = 1024
	}
	if c.Usage.InitialCredits == 0 {
		c.Usage.InitialCredits = 500_000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Default returns the configuration written by "drawbridge init".
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.AI.APIKey = "set-me"
	cfg.applyDefaults()
	return cfg
}
