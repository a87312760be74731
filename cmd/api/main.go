package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/teletherapy-platform/cmd/mainconfig"
	"github.com/wolfman30/teletherapy-platform/internal/api/router"
	"github.com/wolfman30/teletherapy-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/teletherapy-platform/internal/config"
	"github.com/wolfman30/teletherapy-platform/internal/http/handlers"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting teletherapy flow API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"recovery_inline", cfg.RecoveryInline,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	res, closeAll, err := mainconfig.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	metricsHandler, registry := setupMetrics()
	res.Registerer = registry

	flow, err := bootstrap.BuildFlow(ctx, cfg, res, logger)
	if err != nil {
		return err
	}
	defer flow.Close()

	flowHandler := handlers.NewFlowHandler(flow.Engine, logger).WithDeduper(flow.Deduper)
	if flow.Audit != nil {
		flowHandler.WithAuditor(flow.Audit)
	}

	srv := newServer(cfg, &router.Config{
		Logger:               logger,
		FlowHandler:          flowHandler,
		AdminAuthSecret:      cfg.AdminJWTSecret,
		MetricsHandler:       metricsHandler,
		CORSAllowedOrigins:   cfg.CORSOrigins,
		WebhookRatePerSecond: cfg.WebhookRatePerSecond,
		WebhookBurst:         cfg.WebhookBurst,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.RecoveryInline {
		runner := bootstrap.BuildRunner(cfg, flow, logger)
		g.Go(func() error { return runner.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// setupMetrics builds a dedicated registry with the Go runtime collectors.
func setupMetrics() (http.Handler, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), reg
}

func newServer(cfg *appconfig.Config, routerCfg *router.Config) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: the admin event stream holds connections open.
		IdleTimeout: 60 * time.Second,
	}
}
