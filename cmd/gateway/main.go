package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/embedchat/agent-gateway/internal/analytics"
	"github.com/embedchat/agent-gateway/internal/config"
	"github.com/embedchat/agent-gateway/internal/instance"
	"github.com/embedchat/agent-gateway/internal/kv"
	"github.com/embedchat/agent-gateway/internal/kv/memory"
	kvredis "github.com/embedchat/agent-gateway/internal/kv/redis"
	kvsqlite "github.com/embedchat/agent-gateway/internal/kv/sqlite"
	"github.com/embedchat/agent-gateway/internal/ratelimit"
	"github.com/embedchat/agent-gateway/internal/safehttp"
	"github.com/embedchat/agent-gateway/internal/server"
	"github.com/embedchat/agent-gateway/internal/telemetry"
	"github.com/embedchat/agent-gateway/internal/upstream"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	var tracerShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		tracerShutdown, err = telemetry.InitTracer(cfg.Telemetry.ServiceName, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Backend, err)
	}
	logger.Info("store ready", slog.String("backend", cfg.Store.Backend))

	instances := instance.NewStore(store, logger, cfg.Instances.CacheTTL)
	limiter := ratelimit.New(store, logger)
	recorder := analytics.NewRecorder(store, logger, analytics.Options{
		MaxDomains:     cfg.Analytics.MaxDomains,
		SessionSamples: cfg.Analytics.SessionSamples,
	})

	// The upstream client dials out with the guarded transport so a
	// hijacked api host cannot reach anything internal. No client-level
	// timeout: the per-request context already carries the deadline and
	// must not cut off long event streams.
	httpClient := &http.Client{
		Transport: safehttp.NewTransport(cfg.Upstream.ConnectTimeout),
	}
	client := upstream.NewClient(cfg.Upstream.DefaultAPIKey, logger,
		upstream.WithBaseURL(cfg.Upstream.APIHost),
		upstream.WithHTTPClient(httpClient),
	)

	srv := server.New(cfg, logger, store, instances, limiter, client, recorder)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	// Graceful shutdown: stop accepting, drain requests, flush
	// analytics, then release the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	recorder.Close()
	if err := store.Close(); err != nil {
		logger.Error("store close error", slog.String("error", err.Error()))
	}
	if tracerShutdown != nil {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}

	logger.Info("gateway shutdown complete")
}

func openStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return kvredis.New(kvredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}), nil
	case "sqlite":
		return kvsqlite.New(cfg.Store.SQLite.Path)
	default:
		return memory.New(), nil
	}
}
