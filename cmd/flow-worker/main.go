package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/teletherapy-platform/cmd/mainconfig"
	"github.com/wolfman30/teletherapy-platform/internal/app/bootstrap"
	"github.com/wolfman30/teletherapy-platform/internal/config"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// flow-worker drains the durable recovery queues when the API runs with
// RECOVERY_INLINE=false.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		logger.Error("flow worker requires DATABASE_URL")
		os.Exit(1)
	}
	cfg.QueueStore = "sql"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, closeAll, err := mainconfig.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect backends", "error", err)
		os.Exit(1)
	}
	defer closeAll()
	res.Registerer = prometheus.NewRegistry()

	flow, err := bootstrap.BuildFlow(ctx, cfg, res, logger)
	if err != nil {
		logger.Error("failed to build flow engine", "error", err)
		os.Exit(1)
	}
	defer flow.Close()

	logger.Info("flow worker started")
	if err := bootstrap.BuildRunner(cfg, flow, logger).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("flow worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("flow worker stopped")
}
