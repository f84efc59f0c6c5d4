// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow policy
	GraceWindow   time.Duration // how long after acknowledge/complete before auto-release
	SweepInterval time.Duration // how often the auto-release scheduler sweeps
	SweepBatch    int           // max escrows advanced per sweep

	// Payment gateway
	PaymentProvider string        // "stripe" or "noop" (demo mode)
	StripeSecretKey string        // required when PaymentProvider is "stripe"
	GatewayTimeout  time.Duration // per-call deadline on gateway requests

	// Security
	AuthSecret    string // HMAC secret for actor tokens
	WebhookSecret string // default HMAC secret for outbound webhooks
	RateLimitRPM  int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, tracing disabled when empty
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultGraceWindow   = 72 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
	DefaultSweepBatch    = 100
	DefaultGatewayTmout  = 5 * time.Second
	DefaultRateLimit     = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GraceWindow:     getEnvDuration("GRACE_WINDOW", DefaultGraceWindow),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatch:      int(getEnvInt64("SWEEP_BATCH", DefaultSweepBatch)),
		PaymentProvider: getEnv("PAYMENT_PROVIDER", "noop"),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:  getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTmout),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 bytes")
	}

	switch c.PaymentProvider {
	case "noop":
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q (expected stripe or noop)", c.PaymentProvider)
	}

	if c.GraceWindow <= 0 {
		return fmt.Errorf("GRACE_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("SWEEP_BATCH must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
