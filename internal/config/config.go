// Package config loads and validates service configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the automations service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Email     EmailConfig     `yaml:"email"`
	SMS       SMSConfig       `yaml:"sms"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig describes the Postgres connection.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the shared rules cache. Empty Addr keeps the cache
// in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig describes rule engine settings.
type EngineConfig struct {
	ActionTimeout         time.Duration `yaml:"action_timeout"`
	LoadTimeout           time.Duration `yaml:"load_timeout"`
	RulesCacheTTL         time.Duration `yaml:"rules_cache_ttl"`
	SchedulerPollInterval time.Duration `yaml:"scheduler_poll_interval"`
	ExtraTriggerTypes     []string      `yaml:"extra_trigger_types"`
	// FieldPolicy overrides the tables and fields update_field may write.
	FieldPolicy map[string][]string `yaml:"field_policy"`
}

// EmailConfig configures SMTP delivery. Empty Host logs emails instead.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SMSConfig configures the SMS gateway. Empty Endpoint logs messages instead.
type SMSConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WebhookConfig configures outbound webhooks.
type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// SigningSecret enables the X-Signature header.
	SigningSecret string `yaml:"signing_secret"`
}

// RateLimitConfig bounds trigger intake per tenant.
type RateLimitConfig struct {
	TriggersPerSecond float64 `yaml:"triggers_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			HandlerTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Engine: EngineConfig{
			ActionTimeout:         30 * time.Second,
			LoadTimeout:           10 * time.Second,
			RulesCacheTTL:         30 * time.Second,
			SchedulerPollInterval: time.Minute,
		},
		Email: EmailConfig{
			Port: 587,
		},
		SMS: SMSConfig{
			Timeout: 10 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			TriggersPerSecond: 50,
			Burst:             100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path uses defaults and environment
// only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}
	if c.Engine.ActionTimeout <= 0 {
		errs = append(errs, "engine.action_timeout must be positive")
	}
	if c.Engine.RulesCacheTTL < 0 {
		errs = append(errs, "engine.rules_cache_ttl must not be negative")
	}
	if c.Email.Host != "" && c.Email.From == "" {
		errs = append(errs, "email.from is required when email.host is set")
	}
	if c.RateLimit.TriggersPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit values must not be negative")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads AUTOMATIONS_* environment variables and overrides
// config values. DATABASE_URL and PORT are honoured for compatibility with
// common container platforms.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("AUTOMATIONS_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AUTOMATIONS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AUTOMATIONS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AUTOMATIONS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AUTOMATIONS_SMTP_HOST"); v != "" {
		cfg.Email.Host = v
	}
	if v := os.Getenv("AUTOMATIONS_SMTP_USERNAME"); v != "" {
		cfg.Email.Username = v
	}
	if v := os.Getenv("AUTOMATIONS_SMTP_PASSWORD"); v != "" {
		cfg.Email.Password = v
	}
	if v := os.Getenv("AUTOMATIONS_SMS_API_KEY"); v != "" {
		cfg.SMS.APIKey = v
	}
	if v := os.Getenv("AUTOMATIONS_WEBHOOK_SIGNING_SECRET"); v != "" {
		cfg.Webhook.SigningSecret = v
	}
	if v := os.Getenv("AUTOMATIONS_ACTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.ActionTimeout = d
		}
	}
}
