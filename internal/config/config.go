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

	// Billing gateway
	StripeAPIKey   string
	GatewayTimeout time.Duration

	// Sweep tuning
	SweepInterval    time.Duration // reconciliation sweep cadence
	ExpiryInterval   time.Duration // expiry sweeper cadence
	SweepBatchSize   int           // rows per reconciliation step
	DeadLetterWindow time.Duration // reconciliation gives up past this age
	ReloadCooldown   time.Duration // min gap between auto-reloads per org
	ReloadBatchSize  int           // orgs per auto-reload pass
	OrphanGrace      time.Duration // org age before orphan cleanup may touch it

	// Security
	AdminSecret string // guards the manual sweep-trigger endpoints

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultGatewayTimeout   = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Minute
	DefaultExpiryInterval   = 5 * time.Minute
	DefaultSweepBatchSize   = 100
	DefaultDeadLetterWindow = 24 * time.Hour
	DefaultReloadCooldown   = 15 * time.Minute
	DefaultReloadBatchSize  = 50
	DefaultOrphanGrace      = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:     os.Getenv("STRIPE_API_KEY"),
		GatewayTimeout:   getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ExpiryInterval:   getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		SweepBatchSize:   getEnvInt("SWEEP_BATCH_SIZE", DefaultSweepBatchSize),
		DeadLetterWindow: getEnvDuration("DEAD_LETTER_WINDOW", DefaultDeadLetterWindow),
		ReloadCooldown:   getEnvDuration("RELOAD_COOLDOWN", DefaultReloadCooldown),
		ReloadBatchSize:  getEnvInt("RELOAD_BATCH_SIZE", DefaultReloadBatchSize),
		OrphanGrace:      getEnvDuration("ORPHAN_GRACE", DefaultOrphanGrace),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// In-memory mode runs without a gateway key for local development;
	// anything touching a real database settles real money.
	if c.DatabaseURL != "" && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required when DATABASE_URL is set")
	}

	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.ReloadBatchSize <= 0 {
		return fmt.Errorf("RELOAD_BATCH_SIZE must be positive")
	}
	if c.SweepInterval <= 0 || c.ExpiryInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
