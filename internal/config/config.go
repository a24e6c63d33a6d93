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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Rate limiting
	RateLimitRPM int

	// Detection pipeline
	DetectionWorkers int
	QueueSize        int

	// Periodic rescan of completed invoices
	RescanEnabled  bool
	RescanInterval time.Duration
	RescanLookback time.Duration

	// Detection threshold overrides
	DuplicateThreshold float64
	DeviationThreshold float64
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultRateLimitRPM     = 120
	DefaultDetectionWorkers = 4
	DefaultQueueSize        = 256
	DefaultRescanInterval   = 1 * time.Hour
	DefaultRescanLookback   = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		DetectionWorkers:   int(getEnvInt64("DETECTION_WORKERS", DefaultDetectionWorkers)),
		QueueSize:          int(getEnvInt64("QUEUE_SIZE", DefaultQueueSize)),
		RescanEnabled:      getEnvBool("RESCAN_ENABLED", true),
		RescanInterval:     getEnvDuration("RESCAN_INTERVAL", DefaultRescanInterval),
		RescanLookback:     getEnvDuration("RESCAN_LOOKBACK", DefaultRescanLookback),
		DuplicateThreshold: getEnvFloat("DUPLICATE_THRESHOLD", 0.85),
		DeviationThreshold: getEnvFloat("DEVIATION_THRESHOLD", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.DetectionWorkers < 1 {
		return fmt.Errorf("DETECTION_WORKERS must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1")
	}
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("DUPLICATE_THRESHOLD must be in (0, 1]")
	}
	if c.DeviationThreshold <= 0 {
		return fmt.Errorf("DEVIATION_THRESHOLD must be positive")
	}
	if c.RescanEnabled && c.RescanInterval <= 0 {
		return fmt.Errorf("RESCAN_INTERVAL must be positive when rescans are enabled")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
