// Package config loads stepflow configuration from a YAML file and
// STEPFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STEPFLOW_DATABASE_DSN.
const EnvPrefix = "STEPFLOW"

// Config holds the configuration for the stepflow process.
type Config struct {
	Server struct {
		Address         string        `mapstructure:"address"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Database struct {
		// Driver is one of memory, sqlite, mysql, postgres.
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Engine struct {
		MaxConcurrent      int           `mapstructure:"max_concurrent"`
		DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
		LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
		WorkerID           string        `mapstructure:"worker_id"`
	} `mapstructure:"engine"`

	Scheduler struct {
		Enabled     bool          `mapstructure:"enabled"`
		Interval    time.Duration `mapstructure:"interval"`
		Buffer      time.Duration `mapstructure:"buffer"`
		StopTimeout time.Duration `mapstructure:"stop_timeout"`
	} `mapstructure:"scheduler"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	LLM struct {
		DefaultProvider string   `mapstructure:"default_provider"`
		Anthropic       Provider `mapstructure:"anthropic"`
		OpenAI          Provider `mapstructure:"openai"`
		Google          Provider `mapstructure:"google"`
	} `mapstructure:"llm"`

	Script struct {
		AllowedCommands []string `mapstructure:"allowed_commands"`
	} `mapstructure:"script"`

	Cleanup struct {
		RetentionDays int `mapstructure:"retention_days"`
	} `mapstructure:"cleanup"`

	Tracing struct {
		Enabled     bool   `mapstructure:"enabled"`
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"tracing"`
}

// Provider configures one LLM provider. A provider without an API key is
// not registered.
type Provider struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./stepflow.db")

	v.SetDefault("engine.max_concurrent", 8)
	v.SetDefault("engine.default_step_timeout", time.Duration(0))
	v.SetDefault("engine.lease_ttl", 5*time.Minute)
	v.SetDefault("engine.worker_id", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 60*time.Second)
	v.SetDefault("scheduler.buffer", 10*time.Second)
	v.SetDefault("scheduler.stop_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("llm.default_provider", "anthropic")
	v.SetDefault("llm.anthropic.api_key", "")
	v.SetDefault("llm.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.google.api_key", "")
	v.SetDefault("llm.google.model", "gemini-1.5-flash")

	v.SetDefault("script.allowed_commands", []string{})

	v.SetDefault("cleanup.retention_days", 30)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "stepflow")
}

// Load reads configuration. When path is empty, stepflow.yaml is looked up
// in the working directory and ./config; a missing file is not an error.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stepflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be >= 1, got %d", c.Engine.MaxConcurrent)
	}
	if c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	return nil
}
