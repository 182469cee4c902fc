// TypeGuard - continuous behavioral authentication risk engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/typeguard/internal/config"
	"github.com/mbd888/typeguard/internal/logging"
	"github.com/mbd888/typeguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one is available
	logger := logging.New("info", "text")

	logger.Info("starting typeguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"database", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"min_profile_samples", cfg.MinProfileSamples,
		"alert_high", cfg.AlertHighThreshold,
		"alert_medium", cfg.AlertMediumThreshold,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
