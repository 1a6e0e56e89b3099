// Package main is the entry point for the conductor service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmesh/conductor/internal/api"
	"github.com/flowmesh/conductor/internal/bus"
	"github.com/flowmesh/conductor/internal/capability"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/graphstore"
	"github.com/flowmesh/conductor/internal/miner"
	"github.com/flowmesh/conductor/internal/proposal"
	"github.com/flowmesh/conductor/internal/scheduler"
	"github.com/flowmesh/conductor/internal/telemetry"
	"github.com/flowmesh/conductor/internal/validator"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)

	logger.Info("starting conductor",
		slog.String("addr", cfg.Addr()),
		slog.String("store", cfg.StoreType),
		slog.String("log_level", cfg.LogLevel),
	)

	// Tracing (no-op when no endpoint is configured)
	tracing, err := telemetry.InitTracing(context.Background(), &telemetry.TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   cfg.TracingEndpoint,
		Insecure:       cfg.TracingInsecure,
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Graph store
	store := buildStore(cfg, logger)
	defer store.Close()

	// Event bus shared by scheduler, miner and archiver
	eventBus := bus.New()
	defer eventBus.Close()

	// Capability registry. Agent implementations register at startup;
	// built-ins are registered here.
	registry := capability.NewRegistry()
	defer registry.Close()
	registerBuiltins(registry, logger)

	// Scheduler
	schedCfg := scheduler.Config{
		MaxParallel:       cfg.MaxParallel,
		DefaultTimeout:    cfg.DefaultTimeout,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		CancelGrace:       cfg.CancelGrace,
	}
	sched := scheduler.New(store, registry, eventBus, schedCfg, logger)

	logger.Info("scheduler initialized",
		slog.Int("max_parallel", cfg.MaxParallel),
		slog.Int("default_retries", cfg.DefaultMaxRetries),
		slog.Duration("default_timeout", cfg.DefaultTimeout),
	)

	// Self-improvement loop: proposals + pattern miner
	configs := proposal.NewMemoryConfigStore()
	proposals := proposal.NewManager(configs, logger)

	minerCfg := miner.Config{
		Window:            cfg.MinerWindow,
		Threshold:         cfg.MinerThreshold,
		Multiplier:        cfg.MinerMultiplier,
		SweepInterval:     cfg.MinerSweep,
		DefaultTimeoutSec: cfg.DefaultTimeout.Seconds(),
		DefaultMaxRetries: float64(cfg.DefaultMaxRetries),
	}
	patternMiner := miner.New(eventBus, proposals, configs, minerCfg, logger)
	patternMiner.Start()
	defer patternMiner.Stop()

	// Graph archiver (disabled without a bucket)
	if cfg.ArchiveBucket != "" {
		archiver, err := telemetry.NewArchiver(&telemetry.ArchiveConfig{
			Endpoint: cfg.ArchiveEndpoint,
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Prefix:   cfg.ArchivePrefix,
		}, store, logger)
		if err != nil {
			logger.Error("failed to initialize archiver, continuing without", "error", err)
		} else {
			archiver.Start(eventBus)
			defer archiver.Stop()
			logger.Info("graph archiver enabled", slog.String("bucket", cfg.ArchiveBucket))
		}
	}

	// Submission validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	// HTTP API
	handlers := api.NewHandlers(store, sched, registry, v, proposals, patternMiner, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     server.Router(),
		ReadTimeout: 30 * time.Second,
		// SSE connections are long-lived; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := sched.Shutdown(ctx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("conductor stopped")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func buildStore(cfg *config.Config, logger *slog.Logger) graphstore.GraphStore {
	if cfg.StoreType == "redis" {
		redisCfg := graphstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.Prefix = cfg.RedisPrefix
		redisCfg.TTL = cfg.GraphTTL
		redisCfg.EventMaxLen = cfg.EventMaxLen

		redisStore, err := graphstore.NewRedisStore(redisCfg)
		if err == nil {
			logger.Info("using Redis graph store", slog.String("url", cfg.RedisURL))
			return redisStore
		}
		logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
	}

	store := graphstore.NewMemoryStore(&graphstore.Config{
		EventMaxLen: cfg.EventMaxLen,
		TTL:         cfg.GraphTTL,
	})
	logger.Info("using in-memory graph store")
	return store
}

// registerBuiltins installs the capabilities that ship with the service.
// Real agent fleets replace these via their own registration.
func registerBuiltins(registry *capability.Registry, logger *slog.Logger) {
	err := registry.Register("noop", "does nothing, useful for wiring tests",
		capability.Func(func(ctx context.Context, inv *capability.Invocation) (capability.Result, error) {
			return capability.Result{"agent": inv.AgentName}, nil
		}))
	if err != nil {
		logger.Warn("failed to register builtin capability", "error", err)
	}

	err = registry.Register("sleep", "sleeps for config.duration_ms, honoring cancellation",
		capability.Func(func(ctx context.Context, inv *capability.Invocation) (capability.Result, error) {
			ms, _ := inv.Config["duration_ms"].(float64)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return capability.Result{"slept_ms": ms}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
	if err != nil {
		logger.Warn("failed to register builtin capability", "error", err)
	}
}
