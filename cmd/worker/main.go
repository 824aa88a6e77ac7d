// Command worker drains the background job queue and runs the scheduled
// job cleanup until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/FACorreiaa/statement-pipeline/cmd/app"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
	"github.com/FACorreiaa/statement-pipeline/pkg/config"
	"github.com/FACorreiaa/statement-pipeline/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := app.NewLogger(cfg.Observability)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.InitDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Cleanup()

	if err := deps.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		metricsServer = serveMetrics(cfg.Observability.MetricsPort, logger)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Worker.DrainsPerSecond), cfg.Worker.Count)
	logger.Info("worker service started",
		slog.Int("workers", cfg.Worker.Count),
		slog.Duration("poll_interval", cfg.Worker.PollInterval),
	)
	jobs.RunWorkers(ctx, cfg.Worker.Count, deps.Processor, cfg.Worker.PollInterval, limiter, logger)

	logger.Info("shutting down worker service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	select {
	case <-deps.Scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs still running at shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", slog.Any("error", err))
		}
	}

	logger.Info("worker service exited")
	return nil
}

func serveMetrics(port int, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}
