// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/engine"
	"github.com/absmach/fluxdispatch/metrics"
)

const (
	shutdownTimeout  = 30 * time.Second
	telemetryTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, os.Stdout); err != nil {
		slog.Error("Dispatch engine failed", "error", err)
		os.Exit(1)
	}
}

// run serves the engine described by the config at path until ctx is done.
func run(ctx context.Context, path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, out)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		"engine", cfg.Remote.LocalEngine,
		"storage", cfg.Storage.Type,
		"workers", cfg.Dispatch.Workers,
		"destinations", len(cfg.Destinations),
		"metrics_enabled", cfg.Metrics.Enabled)

	if cfg.Metrics.Enabled {
		shutdown, err := metrics.InitProvider(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer shutdownTelemetry(logger, shutdown)
		logger.Info("OpenTelemetry initialized",
			"endpoint", cfg.Metrics.Endpoint,
			"traces", cfg.Metrics.TracesEnabled)
	}

	e, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	e.Start()
	logger.Info("Dispatch engine started", "destinations", e.Destinations().List())

	<-ctx.Done()
	logger.Info("Shutting down dispatch engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Close(shutdownCtx); err != nil {
		return fmt.Errorf("failed to close engine: %w", err)
	}

	stats := e.PoolStats()
	logger.Info("Dispatch engine stopped",
		"tasks_queued", stats.Queued,
		"tasks_discarded", stats.Discarded,
		"tasks_panicked", stats.Panicked)
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func shutdownTelemetry(logger *slog.Logger, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown OpenTelemetry", "error", err)
	}
}
