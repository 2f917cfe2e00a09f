// fieldguard - field integrity and fraud scoring for field sales
package main

import (
	"context"
	"os"

	"github.com/mbd888/fieldguard/internal/config"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	logger.Info("starting fieldguard",
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
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"classifier", cfg.ClassifierURL != "",
		"deposit_deadline", cfg.DepositDeadline.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
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
