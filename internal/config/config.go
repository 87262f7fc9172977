// Package config loads CrowdBrew settings from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/crowdbrew/internal/llm"
)

// RetryConfig mirrors llm.RetryPolicy in file form.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	ExpBase      float64       `yaml:"exp_base"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Statuses     []int         `yaml:"statuses"`
}

// RateLimitConfig bounds pipeline runs per client IP on the web form.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// Config is the top-level application configuration.
type Config struct {
	// DBPath is the SQLite file. Its directory is created on demand.
	DBPath string `yaml:"db_path"`

	// Provider selects the generator: "gemini" (default) or "anthropic".
	Provider string `yaml:"provider"`
	// Model overrides the provider's default model.
	Model string `yaml:"model"`
	// APIKey is normally supplied via GOOGLE_API_KEY / ANTHROPIC_API_KEY.
	APIKey string `yaml:"api_key,omitempty"`
	// Search enables web search grounding for research and impact steps.
	Search bool `yaml:"search"`

	// City is the city events are researched in.
	City string `yaml:"city"`

	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// Schedule is a cron expression for unattended runs under "serve".
	// Empty disables scheduling.
	Schedule      string `yaml:"schedule"`
	ScheduleQuery string `yaml:"schedule_query"`

	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// CORSOrigins are allowed origins for the JSON API.
	CORSOrigins []string `yaml:"cors_origins"`
	// TrustedProxies lists proxy addresses or CIDR ranges whose
	// X-Forwarded-For header names the client. Empty trusts no one.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	cfg.Search = true
	return cfg
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join("data", "crowdbrew.db")
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = llm.ProviderGemini
	}
	if c.City == "" {
		c.City = "Łódź"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ScheduleQuery == "" {
		c.ScheduleQuery = "jutro"
	}

	def := llm.DefaultRetryPolicy()
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = def.Attempts
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = def.InitialDelay
	}
	if c.Retry.ExpBase <= 0 {
		c.Retry.ExpBase = def.ExpBase
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if len(c.Retry.Statuses) == 0 {
		c.Retry.Statuses = def.Statuses
	}

	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = 10
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Hour
	}
}

// RetryPolicy converts the retry settings for the llm package.
func (c *Config) RetryPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{
		Attempts:     c.Retry.Attempts,
		InitialDelay: c.Retry.InitialDelay,
		ExpBase:      c.Retry.ExpBase,
		MaxDelay:     c.Retry.MaxDelay,
		Statuses:     c.Retry.Statuses,
	}
}

// LLMOptions builds generator options, picking the API key for the
// configured provider when none is set in the file.
func (c *Config) LLMOptions() llm.Options {
	key := c.APIKey
	if key == "" {
		switch c.Provider {
		case llm.ProviderAnthropic:
			key = os.Getenv("ANTHROPIC_API_KEY")
		default:
			key = os.Getenv("GOOGLE_API_KEY")
		}
	}
	return llm.Options{
		Provider: c.Provider,
		Model:    c.Model,
		APIKey:   key,
		Retry:    c.RetryPolicy(),
	}
}

// Load reads the YAML config at path, writing defaults there on first run,
// then applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path == "" {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			cfg = DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
		case err != nil:
			return nil, err
		default:
			cfg = DefaultConfig()
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DBPath = envOrDefault("CROWDBREW_DB", c.DBPath)
	c.Provider = envOrDefault("CROWDBREW_PROVIDER", c.Provider)
	c.Model = envOrDefault("CROWDBREW_MODEL", c.Model)
	c.City = envOrDefault("CROWDBREW_CITY", c.City)
	c.Listen = envOrDefault("CROWDBREW_LISTEN", c.Listen)
	c.Schedule = envOrDefault("CROWDBREW_SCHEDULE", c.Schedule)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.Search = envBoolOrDefault("CROWDBREW_SEARCH", c.Search)
	c.CORSOrigins = envList("CORS_ORIGINS", c.CORSOrigins)
	c.TrustedProxies = envList("TRUSTED_PROXIES", c.TrustedProxies)
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".crowdbrew-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
