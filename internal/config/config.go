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

	// Blockchain settings
	RPCURL        string
	Blockchain    string // Label attached to observed transactions, e.g. "ethereum"
	TokenContract string // ERC-20 contract to watch for Transfer events
	TokenDecimals int
	PollInterval  time.Duration

	// Detection settings
	LargeTxThreshold float64
	AnomalyThreshold float64
	ScanInterval     time.Duration
	RetrainInterval  time.Duration
	HistoryWindow    time.Duration
	Workers          int

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultBlockchain       = "ethereum"
	DefaultTokenDecimals    = 6
	DefaultLargeTxThreshold = 500000
	DefaultAnomalyThreshold = 1.0
	DefaultWorkers          = 4
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
		RPCURL:           os.Getenv("RPC_URL"),      // Optional, polling disabled if not set
		Blockchain:       getEnv("BLOCKCHAIN", DefaultBlockchain),
		TokenContract:    os.Getenv("TOKEN_CONTRACT"),
		TokenDecimals:    int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 15*time.Second),
		LargeTxThreshold: getEnvFloat("LARGE_TX_THRESHOLD", DefaultLargeTxThreshold),
		AnomalyThreshold: getEnvFloat("ANOMALY_THRESHOLD", DefaultAnomalyThreshold),
		ScanInterval:     getEnvDuration("SCAN_INTERVAL", time.Minute),
		RetrainInterval:  getEnvDuration("RETRAIN_INTERVAL", time.Hour),
		HistoryWindow:    getEnvDuration("HISTORY_WINDOW", 24*time.Hour),
		Workers:          int(getEnvInt64("WORKERS", DefaultWorkers)),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.LargeTxThreshold <= 0 {
		return fmt.Errorf("LARGE_TX_THRESHOLD must be positive")
	}
	if c.AnomalyThreshold <= 0 {
		return fmt.Errorf("ANOMALY_THRESHOLD must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.ScanInterval < time.Second {
		return fmt.Errorf("SCAN_INTERVAL must be at least 1s")
	}
	if c.RPCURL != "" && c.TokenContract == "" {
		return fmt.Errorf("TOKEN_CONTRACT is required when RPC_URL is set")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
