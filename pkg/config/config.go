// Package config loads and validates server config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds server configuration loaded from the environment.
type Config struct {
	// Addr is the address the HTTP server listens on (e.g. :8080).
	Addr string `mapstructure:"ADDR"`
	// AdminAddr is the address of the operator listener. Empty disables it.
	AdminAddr string `mapstructure:"ADMIN_ADDR"`
	// DatabaseDriver is sqlite3 or postgres.
	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	// DatabaseURL is a file path for sqlite3 or a connection URL for postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// ActiveSessionTTL is how long an active session lives (e.g. "1h").
	ActiveSessionTTL string `mapstructure:"ACTIVE_SESSION_TTL"`
	// BackgroundSessionTTL is how long a background session lives (e.g. "5m").
	BackgroundSessionTTL string `mapstructure:"BACKGROUND_SESSION_TTL"`
	// SweepInterval enables a periodic expiry sweep when positive. Sessions are also swept on
	// every session start.
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// RedisURL, when set, fans change notifications out through Redis pub/sub.
	RedisURL string `mapstructure:"REDIS_URL"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is text or json.
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `mapstructure:"MAX_BODY_BYTES"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("ADDR", ":8080")
	v.SetDefault("ADMIN_ADDR", "127.0.0.1:8081")
	v.SetDefault("DATABASE_DRIVER", "sqlite3")
	v.SetDefault("DATABASE_URL", "tasklists.sqlite3")
	v.SetDefault("ACTIVE_SESSION_TTL", "1h")
	v.SetDefault("BACKGROUND_SESSION_TTL", "5m")
	v.SetDefault("SWEEP_INTERVAL", "0s")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("MAX_BODY_BYTES", 1<<20)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values that Load cannot default.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: ADDR must be set")
	}
	if c.AdminAddr != "" && c.AdminAddr == c.Addr {
		return errors.New("config: ADMIN_ADDR must differ from ADDR")
	}
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: DATABASE_DRIVER must be sqlite3 or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL must be set")
	}
	for key, raw := range map[string]string{
		"ACTIVE_SESSION_TTL":     c.ActiveSessionTTL,
		"BACKGROUND_SESSION_TTL": c.BackgroundSessionTTL,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", key, raw)
		}
	}
	if d, err := time.ParseDuration(c.SweepInterval); err != nil || d < 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be a duration of zero or more, got %q", c.SweepInterval)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: MAX_BODY_BYTES must be positive")
	}
	return nil
}

// ActiveTTL parses ActiveSessionTTL. Returns 1h if unset or invalid.
func (c *Config) ActiveTTL() time.Duration {
	d, err := time.ParseDuration(c.ActiveSessionTTL)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// BackgroundTTL parses BackgroundSessionTTL. Returns 5m if unset or invalid.
func (c *Config) BackgroundTTL() time.Duration {
	d, err := time.ParseDuration(c.BackgroundSessionTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Sweep parses SweepInterval. Zero disables the periodic sweep.
func (c *Config) Sweep() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func parseLevel(raw string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL must be debug, info, warn or error, got %q", raw)
	}
	return l, nil
}

// Logger builds the slog logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
