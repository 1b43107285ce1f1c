// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway. Without a secret key the in-process simulator is used.
	StripeSecretKey     string
	StripeWebhookSecret string
	GatewayTimeout      time.Duration
	GatewayMaxAttempts  int

	// Dispute lifecycle
	DisputeWindow         time.Duration
	ProposalValidity      time.Duration
	EscalationInterval    time.Duration
	EscalationConcurrency int

	// Collaborators
	CORSAllowedOrigins   []string
	OTLPEndpoint         string
	NotifyWebhookTimeout time.Duration
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultGatewayTimeout        = 15 * time.Second
	DefaultGatewayMaxAttempts    = 3
	DefaultDisputeWindow         = 48 * time.Hour
	DefaultProposalValidity      = 48 * time.Hour
	DefaultEscalationInterval    = time.Minute
	DefaultEscalationConcurrency = 4
	DefaultNotifyWebhookTimeout  = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:        getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayMaxAttempts:    getEnvInt("GATEWAY_MAX_ATTEMPTS", DefaultGatewayMaxAttempts),
		DisputeWindow:         getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		ProposalValidity:      getEnvDuration("PROPOSAL_VALIDITY", DefaultProposalValidity),
		EscalationInterval:    getEnvDuration("ESCALATION_INTERVAL", DefaultEscalationInterval),
		EscalationConcurrency: getEnvInt("ESCALATION_CONCURRENCY", DefaultEscalationConcurrency),
		CORSAllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NotifyWebhookTimeout:  getEnvDuration("NOTIFY_WEBHOOK_TIMEOUT", DefaultNotifyWebhookTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.GatewayMaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.DisputeWindow <= 0 || c.ProposalValidity <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW and PROPOSAL_VALIDITY must be positive")
	}
	if c.EscalationInterval <= 0 {
		return fmt.Errorf("ESCALATION_INTERVAL must be positive")
	}
	if c.EscalationConcurrency < 1 {
		return fmt.Errorf("ESCALATION_CONCURRENCY must be at least 1")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	return nil
}

// UsesSimulator reports whether the in-process gateway simulator stands in
// for Stripe.
func (c *Config) UsesSimulator() bool {
	return c.StripeSecretKey == ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "48h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
