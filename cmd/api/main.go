// Package main is the entry point for the billingsync API.
//
// Startup order:
//  1. Load configuration (SSM-indirected secrets outside APP_ENV=local).
//  2. Build the logger.
//  3. Open the optional PostgreSQL pool and apply migrations.
//  4. Open the optional Redis client.
//  5. Select the idempotency store.
//  6. Build the Stripe client and verify the connection.
//  7. Synchronize the configured plans. Any failure aborts startup.
//  8. Wire the dispatcher, handlers and HTTP chassis.
//  9. Serve over TCP with graceful shutdown, or behind a Lambda Function URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"billingsync/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billingsync API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"idempotency_backend", cfg.Idempotency.Backend,
		"metrics_backend", cfg.Observability.MetricsBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, defaultDeps())
	if err != nil {
		return err
	}

	if cfg.Server.LambdaMode {
		return runLambda(a, logger)
	}
	return runHTTPServer(ctx, a, cfg, logger)
}

// secretProvider returns nil for local development, where SSM resolution is
// skipped.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region, os.Getenv("AWS_ENDPOINT_URL"))
}

// runHTTPServer serves until ctx is cancelled by a signal, then drains
// in-flight requests and releases resources.
func runHTTPServer(ctx context.Context, a *app, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown: %w", err)
		}
	}

	if runErr == nil {
		logger.Info("server stopped cleanly")
	}
	return runErr
}

// newLogger creates a JSON slog.Logger for the given level name.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
