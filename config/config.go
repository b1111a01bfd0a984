package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Lifecycle LifecycleConfig
	Sweep     SweepConfig
	LogLevel  string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds the notification publisher configuration.
type RedisConfig struct {
	Addr           string
	ChannelPrefix  string
	PublishTimeout time.Duration
}

// AuthConfig holds the party-token verification secret.
type AuthConfig struct {
	JWTSecret string
}

// LifecycleConfig holds the stage deadlines and fee policy for tenancy
// agreements.
type LifecycleConfig struct {
	SignatureWindow time.Duration
	FeeWindow       time.Duration
	DepositWindow   time.Duration
	FeeRate         decimal.Decimal
}

// SweepConfig holds scheduler intervals.
type SweepConfig struct {
	ExpiryInterval     time.Duration
	InspectionInterval time.Duration
	OutboxInterval     time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
}

// Load reads configuration from environment variables, applying defaults for
// everything except the database URL and JWT secret.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr:         getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", ""),
			ChannelPrefix:  getEnv("REDIS_CHANNEL_PREFIX", "leaseflow."),
			PublishTimeout: getEnvDuration("REDIS_PUBLISH_TIMEOUT", 2*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Lifecycle: LifecycleConfig{
			SignatureWindow: getEnvDuration("SIGNATURE_WINDOW", 72*time.Hour),
			FeeWindow:       getEnvDuration("FEE_WINDOW", 48*time.Hour),
			DepositWindow:   getEnvDuration("DEPOSIT_WINDOW", 48*time.Hour),
			FeeRate:         decimal.NewFromFloat(0.05),
		},
		Sweep: SweepConfig{
			ExpiryInterval:     getEnvDuration("EXPIRY_SWEEP_INTERVAL", 30*time.Second),
			InspectionInterval: getEnvDuration("INSPECTION_SWEEP_INTERVAL", time.Minute),
			OutboxInterval:     getEnvDuration("OUTBOX_DRAIN_INTERVAL", 2*time.Second),
			OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 50),
			OutboxMaxAttempts:  getEnvInt("OUTBOX_MAX_ATTEMPTS", 5),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("AGREEMENT_FEE_RATE"); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid AGREEMENT_FEE_RATE %q: %w", raw, err)
		}
		cfg.Lifecycle.FeeRate = rate
	}

	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return fallback
	}
	return n
}
