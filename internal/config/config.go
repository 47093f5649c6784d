// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Review    ReviewConfig    `mapstructure:"review"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServiceConfig contains HTTP server settings.
type ServiceConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// LLMConfig configures the language-model backend. When disabled the
// analysis agents run their deterministic checks only.
type LLMConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Provider   string        `mapstructure:"provider"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// BudgetConfig contains spend and rate controls for model calls.
type BudgetConfig struct {
	DailyLimitUSD float64 `mapstructure:"daily_limit_usd"`
	CallsPerSec   float64 `mapstructure:"calls_per_sec"`
	CallBurst     int     `mapstructure:"call_burst"`
}

// RedisConfig configures the optional event mirror. An empty Addr
// disables mirroring.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	MirrorTTL time.Duration `mapstructure:"mirror_ttl"`
}

// DatabaseConfig configures optional usage persistence. An empty DSN
// keeps accounting in memory only.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StreamingConfig contains per-run event queue settings.
type StreamingConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// ReviewConfig selects the agent scheduling strategy.
type ReviewConfig struct {
	Strategy string `mapstructure:"strategy"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.addr", ":8080")
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 10*time.Minute)
	v.SetDefault("service.graceful_timeout", 15*time.Second)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.max_retries", 2)

	v.SetDefault("budget.daily_limit_usd", 25.0)
	v.SetDefault("budget.calls_per_sec", 5.0)
	v.SetDefault("budget.call_burst", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mirror_ttl", 24*time.Hour)

	v.SetDefault("database.dsn", "")

	v.SetDefault("streaming.queue_capacity", 64)

	v.SetDefault("review.strategy", "fixed")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from REVAUDIT_CONFIG_PATH (or
// ./config/revaudit.yaml when unset) and applies REVAUDIT_* environment
// overrides. A missing default config file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REVAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("REVAUDIT_CONFIG_PATH")
	explicit := cfgPath != ""
	if cfgPath == "" {
		cfgPath = "./config/revaudit.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		_, statErr := os.Stat(cfgPath)
		if explicit || statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Service.Addr == "" {
		return fmt.Errorf("service.addr must not be empty")
	}
	if c.LLM.Enabled && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url required when llm.enabled")
	}
	if c.Budget.DailyLimitUSD < 0 {
		return fmt.Errorf("budget.daily_limit_usd must not be negative")
	}
	switch c.Review.Strategy {
	case "fixed", "supervisor":
	default:
		return fmt.Errorf("review.strategy must be fixed or supervisor, got %q", c.Review.Strategy)
	}
	return nil
}
