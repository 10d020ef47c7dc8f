// Package main is the entry point for platelookup, a resilient vehicle
// licence-plate lookup service.
//
// platelookup resolves Brazilian plates against a third-party provider and
// always answers with a complete vehicle record:
//   - Per-client lookup quotas over a fixed window
//   - A TTL record cache in front of the provider
//   - A circuit breaker with fallback records when the provider misbehaves
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
//
// Usage:
//
//	platelookup                     run the admin server (default)
//	platelookup lookup PLATE [KEY]  resolve one plate and print the record
//	platelookup version             print the build version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pecahub/platelookup/internal/config"
	"github.com/pecahub/platelookup/internal/lookup"
	"github.com/pecahub/platelookup/internal/observability"
	"github.com/pecahub/platelookup/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "platelookup %s\n", version)
		return 0
	case "serve", "lookup":
	default:
		fmt.Fprintf(stderr, "unknown command %q (want serve, lookup or version)\n", cmd)
		return 2
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "fatal: configuration error: %v\n", err)
		return 1
	}

	if cmd == "lookup" {
		return runLookup(cfg, args, stdout, stderr)
	}
	return serve(cfg)
}

// runLookup resolves a single plate without starting the admin server. The
// record is printed even for client errors, which exit 1.
func runLookup(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(stderr, "usage: platelookup lookup PLATE [CLIENT_KEY]")
		return 2
	}
	clientKey := "cli"
	if len(args) == 2 {
		clientKey = args[1]
	}

	logger, _ := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	svc, err := lookup.NewFromConfig(cfg, logger, observability.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return 1
	}
	defer func() { _ = svc.Close() }()

	rec, lookupErr := svc.Lookup(context.Background(), args[0], clientKey)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		fmt.Fprintf(stderr, "encode record: %v\n", err)
		return 1
	}
	if lookupErr != nil {
		fmt.Fprintf(stderr, "lookup failed: %v\n", lookupErr)
		return 1
	}
	return 0
}

func serve(cfg *config.Config) int {
	logger, level := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting platelookup", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), reloader(srv, cfg, level, logger), logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}

	logger.Info("platelookup shut down gracefully")
	return 0
}

// reloadTarget is the part of *server.Server the watcher drives.
type reloadTarget interface {
	Reload(newCfg *config.Config)
}

// reloader applies hot-reloadable settings and warns about the ones that
// only take effect after a restart.
func reloader(target reloadTarget, initial *config.Config, level *slog.LevelVar, logger *slog.Logger) config.WatcherCallback {
	current := initial
	return func(newCfg *config.Config) {
		if fields := newCfg.RequiresRestart(current); len(fields) > 0 {
			logger.Warn("config changes require a restart to take effect", "fields", fields)
		}
		level.Set(observability.ParseLevel(newCfg.Logging.Level))
		target.Reload(newCfg)
		current = newCfg
		logger.Info("configuration reloaded")
	}
}
