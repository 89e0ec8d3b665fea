package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/dmansilva/stockhold/internal/broadcast"
	"github.com/dmansilva/stockhold/internal/config"
	"github.com/dmansilva/stockhold/internal/engine"
	"github.com/dmansilva/stockhold/internal/handler"
	"github.com/dmansilva/stockhold/internal/service"
	"github.com/dmansilva/stockhold/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Catalog, optionally preloaded from a YAML seed file.
	catalog := store.NewMemoryCatalog()
	if cfg.CatalogSeed != "" {
		if err := catalog.LoadSeed(cfg.CatalogSeed); err != nil {
			logger.Error("failed to load catalog seed",
				slog.String("path", cfg.CatalogSeed),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		logger.Info("catalog seed loaded", slog.String("path", cfg.CatalogSeed))
	}

	// Ledger: Redis-backed when REDIS_ADDR is set, in-memory otherwise.
	var ledger store.LedgerStore
	if cfg.RedisAddr != "" {
		redisLedger, err := store.NewRedisLedger(&redis.Options{Addr: cfg.RedisAddr}, "pos")
		if err == nil {
			err = redisLedger.Ping(context.Background())
		}
		if err != nil {
			logger.Error("failed to connect to redis",
				slog.String("addr", cfg.RedisAddr),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer redisLedger.Close()
		ledger = redisLedger
		logger.Info("using redis ledger", slog.String("addr", cfg.RedisAddr))
	} else {
		ledger = store.NewMemoryLedger()
		logger.Info("using in-memory ledger")
	}

	// Broadcast hub and reservation service.
	hub := broadcast.NewHub(logger)
	svc := service.NewReservationService(ledger, catalog, hub, logger)

	// Session registry: disconnects release holdings immediately.
	registry := engine.NewSessionRegistry(svc, logger)

	// Expiration sweeper: general and AFK passes.
	sweeper := engine.NewSweeper(
		engine.SweeperConfig{
			GeneralInterval: cfg.GeneralSweepInterval,
			GeneralTTL:      cfg.GeneralTTL,
			AFKInterval:     cfg.AFKSweepInterval,
			AFKTTL:          cfg.AFKTTL,
			RenewalGrace:    cfg.RenewalGrace,
		},
		ledger,
		catalog,
		svc,
		hub,
		logger,
	)

	// Router.
	router := handler.NewRouter(svc, registry, hub, logger)

	// Start sweeper goroutine with cancellable context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)

	// Configure HTTP server. WriteTimeout stays 0: the SSE event stream is
	// a deliberately long-lived response.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, cancel context (stops sweeper).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped")
}
