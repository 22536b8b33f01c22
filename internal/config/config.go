// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement gateway
	GatewayBaseURL   string
	GatewayAPIKey    string
	GatewayMerchant  string // merchant code assigned by the settlement network
	GatewayTimeout   time.Duration
	DefaultLatitude  string // geolocation defaults sent when the caller omits them
	DefaultLongitude string

	// Reconciliation sweeper
	SweepInterval time.Duration
	SweepGrace    time.Duration // leave in-flight transactions alone this long
	MaxSweeps     int           // attempts before a transaction is flagged for review

	// Security
	WebhookSecret string
	AdminSecret   string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultGatewayURL    = "https://api.settlenet.example"
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = time.Minute
	DefaultSweepGrace    = 2 * time.Minute
	DefaultMaxSweeps     = 10
	DefaultLat           = "28.6139"
	DefaultLng           = "77.2090"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayBaseURL:   getEnv("GATEWAY_BASE_URL", DefaultGatewayURL),
		GatewayAPIKey:    os.Getenv("GATEWAY_API_KEY"), // Required, no default
		GatewayMerchant:  os.Getenv("GATEWAY_MERCHANT_CODE"),
		GatewayTimeout:   getEnvDuration("GATEWAY_TIMEOUT", DefaultTimeout),
		DefaultLatitude:  getEnv("DEFAULT_LATITUDE", DefaultLat),
		DefaultLongitude: getEnv("DEFAULT_LONGITUDE", DefaultLng),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepGrace:       getEnvDuration("SWEEP_GRACE", DefaultSweepGrace),
		MaxSweeps:        getEnvInt("MAX_SWEEPS", DefaultMaxSweeps),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.GatewayAPIKey == "" {
		return fmt.Errorf("GATEWAY_API_KEY is required")
	}
	if c.GatewayMerchant == "" {
		return fmt.Errorf("GATEWAY_MERCHANT_CODE is required")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.MaxSweeps <= 0 {
		return fmt.Errorf("MAX_SWEEPS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
