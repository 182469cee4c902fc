// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/typeguard/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Session cache (optional, uses in-memory if not set)
	ModelPath   string // Model snapshot file, used when DATABASE_URL is not set

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Analyzer
	MinProfileSamples      int
	ProfileHistorySize     int
	FeedbackWeight         float64
	BootstrapOnLoadFailure bool
	CheckpointInterval     time.Duration // 0 disables periodic checkpoints

	// Alerts
	AlertHighThreshold   float64
	AlertMediumThreshold float64

	// Realtime and HTTP
	WSAuthToken  string // Shared secret for the {"token": ...} handshake (optional)
	MaxWSClients int
	RateLimitRPM int
	CORSOrigins  []string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultModelPath          = "data/models.json"
	DefaultMinProfileSamples  = 10
	DefaultProfileHistorySize = 200
	DefaultFeedbackWeight     = 3.0
	DefaultCheckpointInterval = 5 * time.Minute
	DefaultMaxWSClients       = 10000
	DefaultRateLimit          = 600
	DefaultTraceSampleRatio   = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		ModelPath:              getEnv("MODEL_PATH", DefaultModelPath),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
		MinProfileSamples:      int(getEnvInt64("MIN_PROFILE_SAMPLES", DefaultMinProfileSamples)),
		ProfileHistorySize:     int(getEnvInt64("PROFILE_HISTORY_SIZE", DefaultProfileHistorySize)),
		FeedbackWeight:         getEnvFloat("FEEDBACK_WEIGHT", DefaultFeedbackWeight),
		BootstrapOnLoadFailure: getEnvBool("BOOTSTRAP_ON_LOAD_FAILURE", true),
		CheckpointInterval:     getEnvDuration("CHECKPOINT_INTERVAL", DefaultCheckpointInterval),
		AlertHighThreshold:     getEnvFloat("ALERT_HIGH_THRESHOLD", risk.DefaultHighThreshold),
		AlertMediumThreshold:   getEnvFloat("ALERT_MEDIUM_THRESHOLD", risk.DefaultMediumThreshold),
		WSAuthToken:            os.Getenv("WS_AUTH_TOKEN"),
		MaxWSClients:           int(getEnvInt64("MAX_WS_CLIENTS", DefaultMaxWSClients)),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:            getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	if c.MinProfileSamples < 1 {
		return fmt.Errorf("MIN_PROFILE_SAMPLES must be at least 1")
	}
	if c.ProfileHistorySize < c.MinProfileSamples {
		return fmt.Errorf("PROFILE_HISTORY_SIZE (%d) must be at least MIN_PROFILE_SAMPLES (%d)",
			c.ProfileHistorySize, c.MinProfileSamples)
	}
	if c.FeedbackWeight < 1 {
		return fmt.Errorf("FEEDBACK_WEIGHT must be at least 1")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0,1], got %v", c.TraceSampleRatio)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("CHECKPOINT_INTERVAL must not be negative")
	}
	if err := c.AlertPolicy().Validate(); err != nil {
		return fmt.Errorf("ALERT_HIGH_THRESHOLD/ALERT_MEDIUM_THRESHOLD: %w", err)
	}
	if c.MaxWSClients < 1 {
		return fmt.Errorf("MAX_WS_CLIENTS must be at least 1")
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1")
	}
	if c.IsProduction() && c.WSAuthToken == "" {
		return fmt.Errorf("WS_AUTH_TOKEN is required in production")
	}
	return nil
}

// AlertPolicy returns the configured alert thresholds.
func (c *Config) AlertPolicy() risk.Policy {
	return risk.Policy{High: c.AlertHighThreshold, Medium: c.AlertMediumThreshold}
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

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
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
