// config.go

// Environment variable loading and validation.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all env configuration vars for janus.
type Config struct {
	// DatabaseURL picks the durable store by scheme:
	// postgres:// or postgresql:// for Postgres, sqlite://<path> for SQLite.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://data/users.db"`
	// RedisURL is optional; empty disables the session cache and forces
	// the memory rate-limit backend.
	RedisURL string     `env:"REDIS_URL"`
	Port     string     `env:"PORT" envDefault:"7865"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// Sessions. Expired rows are purged every SessionCleanupInterval once
	// they are older than SessionRetention.
	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"24h"`
	SessionRetention       time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`

	// Password hashing.
	PasswordKDF      string `env:"PASSWORD_KDF" envDefault:"pbkdf2-sha256"`
	PBKDF2Iterations int    `env:"PBKDF2_ITERATIONS" envDefault:"100000"`

	// APIKeyEncryptionKey is base64 of 32 random bytes; seals stored API keys.
	APIKeyEncryptionKey string `env:"API_KEY_ENCRYPTION_KEY,required"`

	// Rate limits. Backend "redis" needs REDIS_URL.
	RateLimitBackend string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	RateLLMMax       int           `env:"RATE_LLM_MAX" envDefault:"10"`
	RateLLMWindow    time.Duration `env:"RATE_LLM_WINDOW" envDefault:"1h"`
	RateLoginMax     int           `env:"RATE_LOGIN_MAX" envDefault:"10"`
	RateLoginWindow  time.Duration `env:"RATE_LOGIN_WINDOW" envDefault:"10m"`
	HTTPRateRPS      float64       `env:"HTTP_RATE_RPS" envDefault:"20"`
	HTTPRateBurst    int           `env:"HTTP_RATE_BURST" envDefault:"40"`

	// First-run admin account, created only when the user table is empty.
	BootstrapAdmin bool   `env:"BOOTSTRAP_ADMIN" envDefault:"true"`
	AdminEmail     string `env:"ADMIN_EMAIL" envDefault:"admin@lowcodeassistant.local"`

	// Completion provider. OpenAIAPIKey is the fallback when a user has no key.
	OpenAIAPIKey   string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
	LLMModel       string        `env:"LLM_MODEL" envDefault:"gpt-3.5-turbo"`
	LLMTemperature float64       `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	LLMMaxTokens   int           `env:"LLM_MAX_TOKENS" envDefault:"1000"`
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if API_KEY_ENCRYPTION_KEY is missing or any value is out of range.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, _, err := c.Database(); err != nil {
		return err
	}

	positiveDurations := map[string]time.Duration{
		"SESSION_TTL":              c.SessionTTL,
		"SESSION_CLEANUP_INTERVAL": c.SessionCleanupInterval,
		"SESSION_RETENTION":        c.SessionRetention,
		"RATE_LLM_WINDOW":          c.RateLLMWindow,
		"RATE_LOGIN_WINDOW":        c.RateLoginWindow,
		"LLM_TIMEOUT":              c.LLMTimeout,
	}
	for name, d := range positiveDurations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	positiveInts := map[string]int{
		"PBKDF2_ITERATIONS": c.PBKDF2Iterations,
		"RATE_LLM_MAX":      c.RateLLMMax,
		"RATE_LOGIN_MAX":    c.RateLoginMax,
		"HTTP_RATE_BURST":   c.HTTPRateBurst,
		"LLM_MAX_TOKENS":    c.LLMMaxTokens,
	}
	for name, n := range positiveInts {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
	}
	if c.HTTPRateRPS <= 0 {
		return fmt.Errorf("HTTP_RATE_RPS must be positive, got %v", c.HTTPRateRPS)
	}

	switch c.PasswordKDF {
	case "pbkdf2-sha256", "argon2id":
	default:
		return fmt.Errorf("PASSWORD_KDF must be pbkdf2-sha256 or argon2id, got %q", c.PasswordKDF)
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimitBackend)
	}

	key, err := base64.StdEncoding.DecodeString(c.APIKeyEncryptionKey)
	if err != nil {
		return fmt.Errorf("API_KEY_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("API_KEY_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return nil
}

// Database returns the store driver ("postgres" or "sqlite") and its DSN.
func (c *Config) Database() (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres", c.DatabaseURL, nil
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		path := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("DATABASE_URL sqlite:// needs a file path")
		}
		return "sqlite", path, nil
	default:
		return "", "", fmt.Errorf("DATABASE_URL must start with postgres://, postgresql:// or sqlite://")
	}
}
