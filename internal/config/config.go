// Package config loads service configuration from a YAML file with
// environment variable overrides. Secrets (API keys, platform tokens) are
// expected from the environment, typically via a .env file loaded at
// startup.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		// Driver selects the persistence backend: "sqlite" or "postgres"
		Driver string `yaml:"driver"`
		// Path is the SQLite database file (":memory:" for tests)
		Path string `yaml:"path"`
		// DSN is the Postgres connection string
		DSN string `yaml:"dsn"`
	} `yaml:"storage"`
	Platform struct {
		BaseURL string `yaml:"base_url"`
		// Token is the service-level integration token used by the poller;
		// per-user tokens come from stored credentials
		Token string `yaml:"token"`
		// PageIDs is the polling scope; empty means poll nothing until
		// configured
		PageIDs []string `yaml:"page_ids"`
		// RequestsPerSecond caps outbound platform API calls
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"platform"`
	Poller struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"poller"`
	AI struct {
		Model          string  `yaml:"model"`
		Temperature    float64 `yaml:"temperature"`
		MaxTokens      int64   `yaml:"max_tokens"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		MaxConcurrent  int64   `yaml:"max_concurrent"`
	} `yaml:"ai"`
	Context struct {
		// CharBudget bounds assembled thread history
		CharBudget int `yaml:"char_budget"`
	} `yaml:"context"`
}

// Default returns a config with sensible defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "5001"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = ".notibot/notibot.db"
	cfg.Platform.BaseURL = "https://api.notion.com"
	cfg.Platform.RequestsPerSecond = 3
	cfg.Poller.IntervalSeconds = 60
	cfg.AI.Model = "claude-3-5-haiku-20241022"
	cfg.AI.Temperature = 0.9
	cfg.AI.MaxTokens = 1024
	cfg.AI.TimeoutSeconds = 60
	cfg.AI.MaxConcurrent = 3
	cfg.Context.CharBudget = 8000
	return cfg
}

// Load reads configuration from the given YAML file, then applies
// environment overrides. A missing file is not an error; the defaults plus
// environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
		} else {
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays NOTIBOT_* environment variables onto the config
func (c *Config) applyEnv() {
	if v := os.Getenv("NOTIBOT_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("NOTIBOT_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("NOTIBOT_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("NOTIBOT_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("NOTIBOT_PLATFORM_URL"); v != "" {
		c.Platform.BaseURL = v
	}
	if v := os.Getenv("NOTIBOT_PLATFORM_TOKEN"); v != "" {
		c.Platform.Token = v
	}
	if v := os.Getenv("NOTIBOT_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("NOTIBOT_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.AI.Temperature = f
		}
	}
	if v := os.Getenv("NOTIBOT_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Poller.IntervalSeconds = n
		}
	}
}

// Validate reports configuration problems that prevent startup.
func (c *Config) Validate() error {
	missing := c.MissingEnv()
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres driver")
	}
	if c.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("poller.interval_seconds must be positive (got %d)", c.Poller.IntervalSeconds)
	}
	return nil
}

// MissingEnv returns the required environment variables that are unset.
func (c *Config) MissingEnv() []string {
	var missing []string
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		missing = append(missing, "ANTHROPIC_API_KEY")
	}
	if c.Platform.Token == "" {
		missing = append(missing, "NOTIBOT_PLATFORM_TOKEN")
	}
	return missing
}
