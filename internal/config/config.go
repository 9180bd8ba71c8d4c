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
	Version   string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Catalog snapshot cache for quotes (optional)
	CatalogTTL  time.Duration

	// Notifications
	KafkaBrokers []string // Optional; outcomes are also published to Kafka when set
	KafkaTopic   string
	WebhookURL   string // Optional; outcomes are POSTed here when set

	// Security
	JWTSecret     string
	TokenTTL      time.Duration
	AdminSecret   string // Admin API secret
	WebhookSecret string // HMAC secret for outgoing webhook signatures
	RateLimitRPM  int

	// Payments
	StripeWebhookSecret string // Enables POST /v1/deposits/stripe when set

	// Provider calls
	ProviderTimeout   time.Duration
	ProviderEndpoints map[string]string // serviceID -> HTTP endpoint
	ProviderAttempts  int

	// Background jobs
	ReconcileInterval time.Duration

	// HTTP
	CORSOrigins    []string
	MaxRequestBody int64

	// Database pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimit         = 120
	DefaultKafkaTopic        = "settlehub.request-outcomes"
	DefaultCatalogTTL        = 30 * time.Second
	DefaultTokenTTL          = 24 * time.Hour
	DefaultProviderTimeout   = 30 * time.Second
	DefaultReconcileInterval = 15 * time.Minute
	DefaultProviderAttempts  = 3
	DefaultMaxRequestBody    = 1 << 20
	DefaultDBMaxOpenConns    = 25
	DefaultDBMaxIdleConns    = 5

	// devJWTSecret signs tokens in development when JWT_SECRET is unset.
	devJWTSecret = "settlehub-development-only-secret"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		Version:             getEnv("VERSION", "dev"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		CatalogTTL:          getEnvDuration("CATALOG_CACHE_TTL", DefaultCatalogTTL),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		TokenTTL:            getEnvDuration("TOKEN_TTL", DefaultTokenTTL),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		ProviderAttempts:    int(getEnvInt64("PROVIDER_ATTEMPTS", DefaultProviderAttempts)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		MaxRequestBody:      getEnvInt64("MAX_REQUEST_BODY", DefaultMaxRequestBody),
		DBMaxOpenConns:      int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns)),
		DBMaxIdleConns:      int(getEnvInt64("DB_MAX_IDLE_CONNS", DefaultDBMaxIdleConns)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	endpoints, err := parseEndpoints(os.Getenv("PROVIDER_ENDPOINTS"))
	if err != nil {
		return nil, err
	}
	cfg.ProviderEndpoints = endpoints

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.ProviderAttempts <= 0 {
		return fmt.Errorf("PROVIDER_ATTEMPTS must be positive")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseEndpoints reads "svc=url,svc2=url2".
func parseEndpoints(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		svc, endpoint, ok := strings.Cut(part, "=")
		svc, endpoint = strings.TrimSpace(svc), strings.TrimSpace(endpoint)
		if !ok || svc == "" || endpoint == "" {
			return nil, fmt.Errorf("PROVIDER_ENDPOINTS: malformed entry %q", part)
		}
		out[svc] = endpoint
	}
	return out, nil
}
