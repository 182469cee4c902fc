package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/typeguard/internal/risk"
)

var configKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "REDIS_URL", "MODEL_PATH",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_TRACES_SAMPLER_ARG", "MIN_PROFILE_SAMPLES", "PROFILE_HISTORY_SIZE", "FEEDBACK_WEIGHT",
	"BOOTSTRAP_ON_LOAD_FAILURE", "CHECKPOINT_INTERVAL", "ALERT_HIGH_THRESHOLD", "ALERT_MEDIUM_THRESHOLD",
	"WS_AUTH_TOKEN", "MAX_WS_CLIENTS", "RATE_LIMIT_RPM", "CORS_ALLOWED_ORIGINS",
}

// clearEnv blanks every key Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultModelPath, cfg.ModelPath)
	assert.Equal(t, DefaultMinProfileSamples, cfg.MinProfileSamples)
	assert.Equal(t, DefaultProfileHistorySize, cfg.ProfileHistorySize)
	assert.Equal(t, DefaultFeedbackWeight, cfg.FeedbackWeight)
	assert.True(t, cfg.BootstrapOnLoadFailure)
	assert.Equal(t, DefaultCheckpointInterval, cfg.CheckpointInterval)
	assert.Equal(t, DefaultTraceSampleRatio, cfg.TraceSampleRatio)
	assert.Equal(t, risk.DefaultPolicy(), cfg.AlertPolicy())
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.CORSOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("MIN_PROFILE_SAMPLES", "5")
	t.Setenv("FEEDBACK_WEIGHT", "2.5")
	t.Setenv("BOOTSTRAP_ON_LOAD_FAILURE", "false")
	t.Setenv("CHECKPOINT_INTERVAL", "90s")
	t.Setenv("ALERT_HIGH_THRESHOLD", "0.8")
	t.Setenv("ALERT_MEDIUM_THRESHOLD", "0.6")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 5, cfg.MinProfileSamples)
	assert.Equal(t, 2.5, cfg.FeedbackWeight)
	assert.False(t, cfg.BootstrapOnLoadFailure)
	assert.Equal(t, 90*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, risk.Policy{High: 0.8, Medium: 0.6}, cfg.AlertPolicy())
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}

func TestLoad_UnparseableNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIN_PROFILE_SAMPLES", "lots")
	t.Setenv("FEEDBACK_WEIGHT", "heavy")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMinProfileSamples, cfg.MinProfileSamples)
	assert.Equal(t, DefaultFeedbackWeight, cfg.FeedbackWeight)
}

func TestLoad_CheckpointSeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHECKPOINT_INTERVAL", "120")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.CheckpointInterval)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:                 "8080",
			Env:                  "development",
			LogFormat:            "text",
			MinProfileSamples:    10,
			ProfileHistorySize:   200,
			FeedbackWeight:       3,
			AlertHighThreshold:   0.7,
			AlertMediumThreshold: 0.5,
			MaxWSClients:         100,
			RateLimitRPM:         60,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Port = "http" }, "PORT"},
		{"port out of range", func(c *Config) { c.Port = "70000" }, "PORT"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"zero min samples", func(c *Config) { c.MinProfileSamples = 0 }, "MIN_PROFILE_SAMPLES"},
		{"history below min", func(c *Config) { c.ProfileHistorySize = 5 }, "PROFILE_HISTORY_SIZE"},
		{"light feedback", func(c *Config) { c.FeedbackWeight = 0.5 }, "FEEDBACK_WEIGHT"},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 2 }, "OTEL_TRACES_SAMPLER_ARG"},
		{"negative checkpoint", func(c *Config) { c.CheckpointInterval = -time.Second }, "CHECKPOINT_INTERVAL"},
		{"thresholds inverted", func(c *Config) { c.AlertMediumThreshold = 0.9 }, "ALERT_HIGH_THRESHOLD"},
		{"high above one", func(c *Config) { c.AlertHighThreshold = 1.5 }, "ALERT_HIGH_THRESHOLD"},
		{"no ws clients", func(c *Config) { c.MaxWSClients = 0 }, "MAX_WS_CLIENTS"},
		{"no rate", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"production without token", func(c *Config) { c.Env = "production" }, "WS_AUTH_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	c := &Config{Env: "production"}
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())
}
