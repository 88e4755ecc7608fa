// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and persists chatrelay configuration. Configuration
// lives in TOML at ~/.chatrelay/config.toml; CHATRELAY_* environment
// variables override file values, and missing values fall back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/morganforge/chatrelay/internal/util"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the root configuration.
type Config struct {
	// DataDir holds the conversation database and keystore.
	// Default: ~/.chatrelay
	DataDir string `toml:"data_dir"`

	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	// Port the relay listens on.
	Port int `toml:"port"`

	// IdleTimeoutSecs bounds the wait between upstream fragments.
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`

	// AllowedOrigins for CORS. Defaults to local development origins.
	AllowedOrigins []string `toml:"allowed_origins"`

	// RateLimitPerSec and RateLimitBurst bound per-client request rates.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	RateLimitBurst  int     `toml:"rate_limit_burst"`
}

// ClientConfig configures the chat client.
type ClientConfig struct {
	// RelayURL is the relay the client talks to.
	RelayURL string `toml:"relay_url"`

	// DefaultProvider and DefaultModel bind new conversations.
	DefaultProvider string `toml:"default_provider"`
	DefaultModel    string `toml:"default_model"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8787,
			IdleTimeoutSecs: 90,
			AllowedOrigins:  []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Client: ClientConfig{
			RelayURL:        "http://127.0.0.1:8787",
			DefaultProvider: "openai",
			DefaultModel:    "gpt-4",
		},
	}
}

// ConfigDir returns the configuration directory (~/.chatrelay).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatrelay"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file, applies environment overrides and defaults,
// and validates the result. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the config as TOML, atomically.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("# chatrelay configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, []byte(buf.String()), 0600)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies CHATRELAY_* environment variables over the
// loaded values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATRELAY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHATRELAY_IDLE_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Server.IdleTimeoutSecs = secs
		}
	}
	if v := os.Getenv("CHATRELAY_RELAY_URL"); v != "" {
		c.Client.RelayURL = v
	}
	if v := os.Getenv("CHATRELAY_PROVIDER"); v != "" {
		c.Client.DefaultProvider = v
	}
	if v := os.Getenv("CHATRELAY_MODEL"); v != "" {
		c.Client.DefaultModel = v
	}
}

// SetDefaults fills any zero values left after loading.
func (c *Config) SetDefaults() {
	d := Default()
	if c.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.DataDir = dir
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = d.Server.IdleTimeoutSecs
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = d.Server.AllowedOrigins
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = d.Server.RateLimitPerSec
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = d.Server.RateLimitBurst
	}
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = d.Client.RelayURL
	}
	if c.Client.DefaultProvider == "" {
		c.Client.DefaultProvider = d.Client.DefaultProvider
	}
	if c.Client.DefaultModel == "" {
		c.Client.DefaultModel = d.Client.DefaultModel
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.IdleTimeoutSecs < 1 {
		return ValidationError{Field: "server.idle_timeout_secs", Message: "must be positive"}
	}
	if c.Server.RateLimitPerSec <= 0 {
		return ValidationError{Field: "server.rate_limit_per_sec", Message: "must be positive"}
	}
	if !strings.HasPrefix(c.Client.RelayURL, "http://") && !strings.HasPrefix(c.Client.RelayURL, "https://") {
		return ValidationError{Field: "client.relay_url", Message: "must be an http(s) URL"}
	}
	return nil
}
