package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/evalctx"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/httpapi"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/iterator"
	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/internal/planner"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/retry"
	"github.com/noetl/noetl/internal/tracing"
)

// cmd/server hosts the event store's append API, the broker's
// route_event dispatcher, and the rest of spec.md §6's external
// interface surface behind a single HTTP listener. cmd/worker is a
// separate process (the queue-leasing job runner); the two share only
// the database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(envOr("LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	if cfg.Server.Env == "production" {
		if err := config.ValidateForProduction(cfg); err != nil {
			slog.Error("production configuration validation failed", "error", err)
			os.Exit(1)
		}
	}

	tracingCleanup, err := tracing.InitGlobalTracer(context.Background(), &cfg.Observability)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer tracingCleanup()

	sentryCleanup, err := tracing.InitSentry(&cfg.Observability)
	if err != nil {
		slog.Error("failed to initialize sentry", "error", err)
		os.Exit(1)
	}
	defer sentryCleanup()

	db, err := sqlx.Connect("postgres", cfg.Database.ConnectionString())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	shard, err := strconv.ParseInt(envOr("NODE_SHARD", "0"), 10, 64)
	if err != nil {
		slog.Error("invalid NODE_SHARD", "error", err)
		os.Exit(1)
	}
	gen, err := ids.NewGenerator(shard)
	if err != nil {
		slog.Error("failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	eventStore := events.NewStore(db, gen, logger, cfg.Broker.IdempotencyRetries)
	queueMgr := queuemgr.NewManager(db, gen, logger)
	catalogRepo, err := catalog.NewRepository(db, gen, logger, cfg.Broker.PlaybookCacheSize)
	if err != nil {
		slog.Error("failed to initialize catalog repository", "error", err)
		os.Exit(1)
	}
	plannerRows := planner.NewRepository(db)
	pl := planner.New(catalogRepo, eventStore, queueMgr, plannerRows, gen, logger)

	evaluator := evalctx.New()
	retryHandler := retry.New(queueMgr, catalogRepo, eventStore, evaluator, logger)
	iteratorCtl := iterator.New(eventStore, queueMgr, pl, evaluator, gen, logger)
	b := broker.New(eventStore, queueMgr, catalogRepo, pl, retryHandler, iteratorCtl, evaluator, logger)
	eventStore.OnAppend(b.RouteEvent)

	m := metrics.NewMetrics()
	if cfg.Observability.MetricsEnabled {
		registry := prometheusRegistry()
		if err := m.Register(registry); err != nil {
			slog.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		go serveMetrics(cfg.Observability.MetricsPort, registry, logger)
	}

	queueCollector := metrics.NewCollector(m, queueMgr, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queueCollector.Start(ctx, 15*time.Second)
	defer queueCollector.Stop()

	app := httpapi.New(cfg, logger, db, eventStore, queueMgr, catalogRepo, pl)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("starting noetl server", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func prometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func serveMetrics(port string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := port
	if addr != "" && addr[0] != ':' {
		addr = ":" + addr
	}
	logger.Info("starting metrics server", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "error", err)
	}
}
