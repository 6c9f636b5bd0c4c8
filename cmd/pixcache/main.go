// Package main is the entry point for the pixcache image proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixcache/pixcache/internal/cache"
	"github.com/pixcache/pixcache/internal/catalog"
	"github.com/pixcache/pixcache/internal/config"
	"github.com/pixcache/pixcache/internal/logging"
	"github.com/pixcache/pixcache/internal/metrics"
	"github.com/pixcache/pixcache/internal/pipeline"
	"github.com/pixcache/pixcache/internal/preview"
	"github.com/pixcache/pixcache/internal/ratelimit"
	"github.com/pixcache/pixcache/internal/server"
	"github.com/pixcache/pixcache/internal/storage"
	"github.com/pixcache/pixcache/internal/transform"
)

func main() {
	configPath := flag.String("config", "pixcache.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	storageBackend := flag.String("storage-backend", "", "object store: local, memory, sqlite, aws, gcp, azure")
	cacheBackend := flag.String("cache-backend", "", "ephemeral store: redis, memory, none")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *storageBackend != "" {
		cfg.Storage.Backend = *storageBackend
	}
	if *cacheBackend != "" {
		cfg.Cache.Backend = *cacheBackend
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if config.Enabled(cfg.Observability.Metrics) {
		metrics.Register()
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("pixcache exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initializing storage backend: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	ephemeral, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer ephemeral.Close()

	records, err := catalog.New(ctx, cfg.Catalog)
	if err != nil {
		return fmt.Errorf("initializing catalog: %w", err)
	}
	defer records.Close()

	svc, err := newService(cfg, store, ephemeral, records, logger)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithLogger(logger)}
	if config.Enabled(cfg.RateLimit.Enabled) {
		proxies, err := ratelimit.ParseProxies(cfg.RateLimit.TrustedProxies)
		if err != nil {
			return fmt.Errorf("configuring rate limit: %w", err)
		}
		limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateWindow(), cfg.RateLimit.Burst,
			ratelimit.WithTrustedProxies(proxies))
		defer limiter.Close()
		opts = append(opts, server.WithRateLimiter(limiter))
		slog.Info("Rate limiting enabled", "requests", cfg.RateLimit.Requests, "window", cfg.RateWindow(), "burst", cfg.RateLimit.Burst, "trusted_proxies", len(proxies))
	}

	srv, err := server.New(cfg, svc, opts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("pixcache listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
		return nil

	case err := <-errCh:
		return err
	}
}

// newService assembles the transform engine, path deriver and orchestrator.
func newService(cfg *config.Config, store storage.Backend, ephemeral cache.Store, records catalog.Store, logger *slog.Logger) (*pipeline.Service, error) {
	format, err := transform.ParseFormat(cfg.Transform.Format)
	if err != nil {
		return nil, err
	}
	engine, err := transform.NewEngine(transform.Options{
		Format:  format,
		Quality: cfg.Transform.Quality,
		Filter:  cfg.Transform.Filter,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transform engine: %w", err)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Options{
		Store:    store,
		Cache:    ephemeral,
		Catalog:  records,
		Engine:   engine,
		Deriver:  preview.NewDeriver(cfg.Transform.PreviewPrefix, format.Ext(), cfg.Cache.KeyPrefix),
		TTL:      cfg.CacheTTL(),
		Coalesce: config.Enabled(cfg.Pipeline.Coalesce),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return pipeline.NewService(orch, cfg.Transform.MaxDimension), nil
}
