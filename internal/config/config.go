package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/esnunes/forkline/internal/db"
	"github.com/esnunes/forkline/internal/paths"
	"github.com/esnunes/forkline/internal/session"
)

type Config struct {
	Addr     string         `yaml:"addr"`
	Database DatabaseConfig `yaml:"database"`
	Agent    AgentConfig    `yaml:"agent"`
	RedisURL string         `yaml:"redis_url"` // empty disables the Redis archive
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "pgx"
	DSN    string `yaml:"dsn"`
}

type AgentConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	DefaultAgent string        `yaml:"default_agent"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Addr: "127.0.0.1:8080",
		Database: DatabaseConfig{
			Driver: db.DriverSQLite,
		},
		Agent: AgentConfig{
			URL:     "http://127.0.0.1:8000/api/chat",
			Timeout: session.DefaultTimeout,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns the config file location inside the XDG config directory.
func DefaultPath() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads path, if it exists, over the defaults and then applies FORKLINE_*
// environment overrides. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == db.DriverSQLite {
		dsn, err := db.DBPath()
		if err != nil {
			return nil, err
		}
		cfg.Database.DSN = dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	c.Addr = getEnv("FORKLINE_ADDR", c.Addr)
	c.Database.Driver = getEnv("FORKLINE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("FORKLINE_DB_DSN", c.Database.DSN)
	c.Agent.URL = getEnv("FORKLINE_AGENT_URL", c.Agent.URL)
	c.Agent.APIKey = getEnv("FORKLINE_AGENT_API_KEY", c.Agent.APIKey)
	c.Agent.DefaultAgent = getEnv("FORKLINE_DEFAULT_AGENT", c.Agent.DefaultAgent)
	c.RedisURL = getEnv("FORKLINE_REDIS_URL", c.RedisURL)
	c.Log.Level = getEnv("FORKLINE_LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("FORKLINE_AGENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing FORKLINE_AGENT_TIMEOUT: %w", err)
		}
		c.Agent.Timeout = d
	}
	if v := os.Getenv("FORKLINE_LOG_DEVELOPMENT"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing FORKLINE_LOG_DEVELOPMENT: %w", err)
		}
		c.Log.Development = dev
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %q", c.Database.Driver)
	}
	if c.Agent.URL == "" {
		return fmt.Errorf("agent url is required")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent timeout must be positive, got %s", c.Agent.Timeout)
	}
	return nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
