// Package config loads the engine configuration from a YAML file with
// environment variable overrides. Every field has a sensible default so the
// binary runs with no config at all (in-memory storage, port 8080).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
}

// DatabaseConfig selects the storage backend. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SchedulerConfig holds the cron expressions for the calendar triggers.
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	QuarterSpec       string        `yaml:"quarter_spec"`
	VerifySpec        string        `yaml:"verify_spec"`
	ClosureSpec       string        `yaml:"closure_spec"`
	StartupCheckDelay time.Duration `yaml:"startup_check_delay"`
	Timezone          string        `yaml:"timezone"`
}

// EventsConfig sizes the in-memory event buffer.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Database: DatabaseConfig{
			MaxConns: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			QuarterSpec:       "0 0 1 1,4,7,10 *",
			VerifySpec:        "0 12 15 2,5,8,11 *",
			ClosureSpec:       "0 0 1 1 *",
			StartupCheckDelay: 15 * time.Second,
			Timezone:          "UTC",
		},
		Events: EventsConfig{
			BufferSize: 1000,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays BUDGETCORE_* environment variables. Deployment secrets
// (the database DSN in particular) usually arrive this way.
func (c *Config) applyEnv() {
	if v := os.Getenv("BUDGETCORE_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("BUDGETCORE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BUDGETCORE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("BUDGETCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BUDGETCORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("BUDGETCORE_SCHEDULER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Enabled = enabled
		}
	}
	if v := os.Getenv("BUDGETCORE_SCHEDULER_TIMEZONE"); v != "" {
		c.Scheduler.Timezone = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events buffer size must be positive, got %d", c.Events.BufferSize)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return nil
}

// Location resolves the scheduler timezone. validate already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
