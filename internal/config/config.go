// Package config loads the merged ChatBuddy configuration.
// Precedence: built-in defaults < chatbuddy.toml < environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
)

// Config represents the merged chatbuddy configuration
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Redis     RedisConfig     `toml:"redis"`
	Router    RouterConfig    `toml:"router"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Cart      CartConfig      `toml:"cart"`
	Audit     AuditConfig     `toml:"audit"`
	Conflict  ConflictConfig  `toml:"conflict"`

	// Testing swaps the Redis pool for the in-memory store.
	Testing bool `toml:"testing"`
}

type LoggingConfig struct {
	Level      string `toml:"level"`
	ShowCaller bool   `toml:"show_caller"`
}

type RedisConfig struct {
	URL                 string `toml:"url"`
	MaxConnections      int    `toml:"max_connections"`
	HealthCheckSeconds  int    `toml:"health_check_seconds"`
	RetryOnTimeout      bool   `toml:"retry_on_timeout"`
	CompressionMinBytes int    `toml:"compression_min_bytes"`
}

type RouterConfig struct {
	HandlerTimeoutSeconds int `toml:"handler_timeout_seconds"`
	ShutdownGraceSeconds  int `toml:"shutdown_grace_seconds"`
}

type RateLimitConfig struct {
	IPMax         int `toml:"ip_max"`
	IPWindowSecs  int `toml:"ip_window_seconds"`
	UserMax       int `toml:"user_max"`
	UserWindowSec int `toml:"user_window_seconds"`
}

type SchedulerConfig struct {
	// JobsFile is an optional TOML overrides file, hot-reloaded on change.
	JobsFile       string `toml:"jobs_file"`
	HistoryEntries int    `toml:"history_entries"`
}

type CartConfig struct {
	TimeoutMinutes    int     `toml:"timeout_minutes"`
	MinValue          float64 `toml:"min_value"`
	EmailDelayMinutes int     `toml:"email_delay_minutes"`
	SMSDelayHours     int     `toml:"sms_delay_hours"`
	RetentionDays     int     `toml:"retention_days"`
}

type AuditConfig struct {
	// Backend selects the sink: "log" or "sqlite".
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
	BufferSize int    `toml:"buffer_size"`
}

type ConflictConfig struct {
	AlertThreshold int `toml:"alert_threshold"`
	HistoryEntries int `toml:"history_entries"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Redis: RedisConfig{
			URL:                 "redis://localhost:6379/0",
			MaxConnections:      20,
			HealthCheckSeconds:  30,
			RetryOnTimeout:      true,
			CompressionMinBytes: 1024,
		},
		Router: RouterConfig{
			HandlerTimeoutSeconds: 30,
			ShutdownGraceSeconds:  5,
		},
		RateLimit: RateLimitConfig{
			IPMax:         100,
			IPWindowSecs:  60,
			UserMax:       50,
			UserWindowSec: 60,
		},
		Scheduler: SchedulerConfig{HistoryEntries: 1000},
		Cart: CartConfig{
			TimeoutMinutes:    30,
			MinValue:          5000,
			EmailDelayMinutes: 30,
			SMSDelayHours:     2,
			RetentionDays:     30,
		},
		Audit: AuditConfig{
			Backend:    "log",
			SQLitePath: "audit.db",
			BufferSize: 1024,
		},
		Conflict: ConflictConfig{
			AlertThreshold: 5,
			HistoryEntries: 10000,
		},
	}
}

// Load reads configuration from the given TOML file (optional) and applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	// Fill anything the file left unset from defaults
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides config values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v, ok := envInt("ABANDONED_CART_TIMEOUT_MINUTES"); ok {
		c.Cart.TimeoutMinutes = v
	}
	if v, ok := envFloat("MINIMUM_CART_VALUE_FOR_FOLLOWUP"); ok {
		c.Cart.MinValue = v
	}
	if v, ok := envInt("FOLLOW_UP_EMAIL_DELAY_MINUTES"); ok {
		c.Cart.EmailDelayMinutes = v
	}
	if v, ok := envInt("FOLLOW_UP_SMS_DELAY_HOURS"); ok {
		c.Cart.SMSDelayHours = v
	}
	if v := os.Getenv("TESTING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Testing = b
		} else {
			c.Testing = v == "1" || v == "yes"
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
