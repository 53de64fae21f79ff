// Package config loads and validates the omnidesk server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "omnidesk"
	DefaultPGSSLMode         = "disable"
	DefaultJWTExpiresIn      = "24h"
	DefaultSchedulerInterval = 5
	DefaultAIBaseURL         = "https://api.openai.com/v1"
	DefaultAIModel           = "gpt-4o-mini"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	AI        AIConfig        `toml:"ai"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" validate:"required"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// WebhookConfig controls provider webhook verification.
//
// VerifyToken is the shared secret echoed during subscription verification.
// AppSecret keys the HMAC-SHA256 signature check on inbound POST bodies; when
// RequireSignature is false, unsigned requests are accepted but a present
// signature must still verify.
type WebhookConfig struct {
	VerifyToken      string `toml:"verify_token" validate:"required"`
	AppSecret        string `toml:"app_secret" validate:"required_if=RequireSignature true"`
	RequireSignature bool   `toml:"require_signature"`
}

// SchedulerConfig controls the paused-flow resumption tick.
type SchedulerConfig struct {
	IntervalSeconds int `toml:"interval_seconds" validate:"gte=1"`
}

// AIConfig configures the fallback auto-responder. The API key is required only
// when the responder is enabled.
type AIConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key" validate:"required_if=Enabled true"`
	Model   string `toml:"model"`
}

// JWTExpiry parses the configured token lifetime.
func (c AuthConfig) JWTExpiry() time.Duration {
	d, err := time.ParseDuration(c.JWTExpiresIn)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJWTExpiresIn)
	}
	return d
}

// DSN builds a postgres connection string for pgx.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Load reads the config file at path, applying defaults for anything unset.
// A missing file yields the defaults; Validate still decides whether the result
// is runnable.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: DefaultSchedulerInterval,
		},
		AI: AIConfig{
			BaseURL: DefaultAIBaseURL,
			Model:   DefaultAIModel,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks that required secrets are present. Missing secrets are a
// startup failure, not something to discover on the first webhook.
func Validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if ok := asValidationErrors(err, &errs); ok && len(errs) > 0 {
			first := errs[0]
			return fmt.Errorf("config: %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = errs
	return true
}
