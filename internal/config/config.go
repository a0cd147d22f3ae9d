package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from NUDGE_* environment variables.
type Config struct {
	Port      string `env:"NUDGE_PORT" envDefault:"8080"`
	DBPath    string `env:"NUDGE_DB_PATH" envDefault:"nudge.db"`
	LogLevel  string `env:"NUDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"NUDGE_LOG_FORMAT" envDefault:"text"`

	// Postmark. An empty token switches to the dry-run sender.
	PostmarkToken string  `env:"NUDGE_POSTMARK_TOKEN"`
	FromEmail     string  `env:"NUDGE_FROM_EMAIL" envDefault:"reminders@nudge.local"`
	NotifyEmail   string  `env:"NUDGE_NOTIFY_EMAIL"`
	EmailRate     float64 `env:"NUDGE_EMAIL_RATE" envDefault:"5"`
	EmailBurst    int     `env:"NUDGE_EMAIL_BURST" envDefault:"5"`

	RetryInterval time.Duration `env:"NUDGE_RETRY_INTERVAL" envDefault:"60s"`
	MaxAttempts   int           `env:"NUDGE_MAX_ATTEMPTS" envDefault:"10"`
	SendTimeout   time.Duration `env:"NUDGE_SEND_TIMEOUT" envDefault:"30s"`

	RetentionDays int    `env:"NUDGE_RETENTION_DAYS" envDefault:"0"`
	PruneSchedule string `env:"NUDGE_PRUNE_SCHEDULE" envDefault:"@daily"`

	AuthUser         string `env:"NUDGE_AUTH_USER"`
	AuthPasswordHash string `env:"NUDGE_AUTH_PASSWORD_HASH"`

	// APIRateLimit is requests per minute per client IP; 0 disables limiting.
	APIRateLimit int      `env:"NUDGE_API_RATE_LIMIT" envDefault:"120"`
	WSOrigins    []string `env:"NUDGE_WS_ORIGINS" envSeparator:","`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("NUDGE_PORT must not be empty"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("NUDGE_DB_PATH must not be empty"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("NUDGE_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.PostmarkToken != "" && c.NotifyEmail == "" {
		errs = append(errs, errors.New("NUDGE_NOTIFY_EMAIL is required when NUDGE_POSTMARK_TOKEN is set"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, errors.New("NUDGE_RETRY_INTERVAL must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("NUDGE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.SendTimeout < 0 {
		errs = append(errs, errors.New("NUDGE_SEND_TIMEOUT must not be negative"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("NUDGE_RETENTION_DAYS must not be negative"))
	}
	if c.APIRateLimit < 0 {
		errs = append(errs, errors.New("NUDGE_API_RATE_LIMIT must not be negative"))
	}
	if (c.AuthUser == "") != (c.AuthPasswordHash == "") {
		errs = append(errs, errors.New("NUDGE_AUTH_USER and NUDGE_AUTH_PASSWORD_HASH must be set together"))
	}

	return errors.Join(errs...)
}

// AuthEnabled reports whether basic auth protects the API.
func (c Config) AuthEnabled() bool {
	return c.AuthUser != "" && c.AuthPasswordHash != ""
}
