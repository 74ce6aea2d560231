package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/credential"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/keychain"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/queuemgr/deadletter"
	"github.com/noetl/noetl/internal/tracing"
	"github.com/noetl/noetl/internal/workerpool"
	"github.com/noetl/noetl/internal/workerpool/plugins"
)

// cmd/worker runs the worker pool (C8): each slot leases a queue entry,
// dispatches it to a plugin by task kind, and records its events and
// queue settlement directly in the shared database through the same
// events.Store and queuemgr.Manager packages cmd/server links; it does
// not call cmd/server's HTTP API.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlx.Connect("postgres", cfg.Database.ConnectionString())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	gen, err := ids.NewGenerator(0)
	if err != nil {
		slog.Error("failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	eventStore := events.NewStore(db, gen, logger, 1)
	queueMgr := queuemgr.NewManager(db, gen, logger)

	registry := plugins.NewRegistry()
	registry.Register("http", func() plugins.Plugin { return plugins.NewHTTPPlugin() })
	registry.Register("script", func() plugins.Plugin { return plugins.NewScriptPlugin(logger) })
	if resolver := newKeychainResolver(cfg, db, logger); resolver != nil {
		registry.Register("secret", func() plugins.Plugin { return plugins.NewSecretPlugin(resolver) })
	}

	if cfg.AWS.DLQQueueURL != "" {
		forwarder, err := deadletter.NewForwarder(ctx, deadletter.Config{
			QueueURL: cfg.AWS.DLQQueueURL,
			Region:   cfg.AWS.Region,
			Endpoint: cfg.AWS.Endpoint,
		}, logger)
		if err != nil {
			slog.Error("failed to initialize dead-letter forwarder", "error", err)
			os.Exit(1)
		}
		_ = forwarder // not used after construction: nothing calls Forward, so dead entries are not forwarded
	}

	pool := workerpool.New(queueMgr, eventStore, registry, workerpool.Config{
		Concurrency:   cfg.Worker.Concurrency,
		LeaseDuration: time.Duration(cfg.Queue.LeaseDuration) * time.Second,
		PollInterval:  time.Duration(cfg.Worker.PollInterval) * time.Second,
	}, logger)

	sweeper := queuemgr.NewRedeliverySweeper(queueMgr, logger, time.Duration(cfg.Queue.RedeliverySweepInterval)*time.Second)

	healthServer := workerpool.NewHealthServer(pool, db, nil, cfg.Worker.HealthPort)
	go func() {
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("starting redelivery sweeper")
		if err := sweeper.Start(ctx); err != nil {
			slog.Error("sweeper error", "error", err)
		}
	}()

	go func() {
		slog.Info("starting worker pool", "concurrency", cfg.Worker.Concurrency)
		pool.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker pool and sweeper...")
	cancel()
	sweeper.Stop()

	slog.Info("worker pool and sweeper stopped")
}

// newKeychainResolver wires the secret plugin's credential resolver,
// gated on KeychainConfig.UseKMS the way spec.md §4.9 describes: KMS
// envelope decryption is optional infrastructure, not a hard
// dependency of the worker pool itself.
func newKeychainResolver(cfg *config.Config, db *sqlx.DB, logger *slog.Logger) *keychain.Resolver {
	repo := keychain.NewRepository(db)
	cache := keychain.NewCache(nil, time.Duration(cfg.Keychain.CacheTTLSeconds)*time.Second)

	var kmsClient credential.KMSClientInterface
	if cfg.Keychain.UseKMS {
		client, err := credential.NewKMSClient(context.Background(), cfg.Keychain.KMSKeyID)
		if err != nil {
			logger.Error("failed to initialize KMS client, secret plugin disabled", "error", err)
			return nil
		}
		kmsClient = client
	} else {
		kmsClient = credential.NewPlaintextKMSClient()
	}

	renewBuffer := time.Duration(cfg.Keychain.RenewBuffer) * time.Second
	return keychain.NewResolver(repo, cache, kmsClient, renewBuffer, logger)
}
