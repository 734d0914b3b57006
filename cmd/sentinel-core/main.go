// Package main is the entry point for the sentinel-core daemon: the
// collectors, feature engine, detection ensemble, policy agent, rule
// orchestrator, and API server in one process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sentinel-core/internal/config"
	"sentinel-core/internal/logging"
	"sentinel-core/internal/startup"
)

func main() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("SENTINEL_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(logging.NewRedactHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger = newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"bus", cfg.Bus.Kind,
		"audit_enabled", cfg.Audit.ClickHouse.Enabled,
		"adapters", cfg.Adapters.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := startup.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to assemble pipeline", "error", err)
		os.Exit(1)
	}

	slog.Info("sentinel-core started")
	if err := pipeline.Run(ctx); err != nil {
		slog.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
	slog.Info("sentinel-core stopped")
}

// newLogger builds the logger the configuration asks for. The env
// override on level wins so operators can turn on debug without a
// config edit.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("SENTINEL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(logging.NewRedactHandler(handler))
}
