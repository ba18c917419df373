// Package config loads router configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every runtime knob. All fields come from environment
// variables with production defaults; only the database settings are
// required.
type Config struct {
	// HTTP server.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	LogLevel     string

	// PostgreSQL.
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Redis, shared by the plan cache and the rate limiter. Empty disables
	// Redis-backed features (the cache degrades, the limiter goes
	// in-process).
	RedisURL string

	// LLM provider. An empty API key disables natural-language planning;
	// raw SQL still works.
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	// Planner and provider budgets.
	PlannerTimeout  time.Duration
	ProviderTimeout time.Duration

	// Plan cache.
	CacheEnabled  bool
	CacheTTL      time.Duration
	CacheMaxBytes int

	// Query history.
	QueryRetention         time.Duration
	HistoryCleanupInterval time.Duration

	// Rate limiter.
	RateLimitEnabled bool
	RateLimitMax     int
	RateLimitWindow  time.Duration

	// Circuit breaker.
	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerRecovery         time.Duration

	// SQL tool.
	ConfidenceThreshold float64

	// Tracing.
	OTLPEndpoint string
}

// Load reads the environment and applies defaults.
func Load() *Config {
	return &Config{
		Port:         envInt("PORT", 8080),
		ReadTimeout:  envDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout: envDuration("WRITE_TIMEOUT", 60*time.Second),
		MaxBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 64*1024)),
		LogLevel:     envStr("LOG_LEVEL", "info"),

		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "arbiter"),
		DBUser:     envStr("DB_USER", ""),
		DBPassword: envStr("DB_PASSWORD", ""),

		RedisURL: envStr("REDIS_URL", ""),

		OpenAIAPIKey:  envStr("OPENAI_API_KEY", ""),
		OpenAIModel:   envStr("OPENAI_MODEL", "gpt-4o"),
		OpenAIBaseURL: envStr("OPENAI_BASE_URL", ""),

		PlannerTimeout:  envDuration("PLANNER_TIMEOUT", 30*time.Second),
		ProviderTimeout: envDuration("PROVIDER_TIMEOUT", 60*time.Second),

		CacheEnabled:  envBool("CACHE_ENABLED", true),
		CacheTTL:      envDuration("CACHE_TTL_SECONDS", 1800*time.Second),
		CacheMaxBytes: envInt("CACHE_MAX_BYTES", 1<<20),

		QueryRetention:         envDuration("QUERY_RETENTION_DAYS", 30*24*time.Hour),
		HistoryCleanupInterval: envDuration("HISTORY_CLEANUP_INTERVAL", time.Hour),

		RateLimitEnabled: envBool("RATE_LIMIT_ENABLED", true),
		RateLimitMax:     envInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow:  envDuration("RATE_LIMIT_WINDOW", 60*time.Second),

		BreakerFailureThreshold: envInt("CB_FAILURE_THRESHOLD", 5),
		BreakerWindow:           envDuration("CB_WINDOW", 60*time.Second),
		BreakerRecovery:         envDuration("CB_RECOVERY", 30*time.Second),

		ConfidenceThreshold: envFloat("CONFIDENCE_THRESHOLD", 0.7),

		OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.DBUser == "" {
		return fmt.Errorf("config: DB_USER is required")
	}
	if c.DBName == "" {
		return fmt.Errorf("config: DB_NAME is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: CONFIDENCE_THRESHOLD %.2f out of range", c.ConfidenceThreshold)
	}
	return nil
}

// DSN builds the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDuration reads a duration. Bare integers are treated in the unit the
// variable name implies: _SECONDS and plain timeout knobs mean seconds,
// _DAYS means days.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		unit := time.Second
		if len(key) > 5 && key[len(key)-5:] == "_DAYS" {
			unit = 24 * time.Hour
		}
		return time.Duration(n) * unit
	}
	return def
}
