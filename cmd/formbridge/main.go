// Command formbridge runs the intake server: the HTTP adapter, the delivery
// workers and the expiry sweeper over a shared submission store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formbridge/formbridge/pkg/api"
	"github.com/formbridge/formbridge/pkg/approval"
	"github.com/formbridge/formbridge/pkg/config"
	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/delivery"
	"github.com/formbridge/formbridge/pkg/eventlog"
	"github.com/formbridge/formbridge/pkg/observability"
	"github.com/formbridge/formbridge/pkg/registry"
	"github.com/formbridge/formbridge/pkg/store"
	"github.com/formbridge/formbridge/pkg/submission"
	"github.com/formbridge/formbridge/pkg/uploads"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("open store", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store ready", "storage", cfg.Storage)

	reg := registry.New()
	if loaded, err := reg.LoadDir(cfg.IntakeDir); err != nil {
		logger.Warn("intake directory not loaded", "dir", cfg.IntakeDir, "error", err)
	} else {
		logger.Info("intakes loaded", "dir", cfg.IntakeDir, "intakes", loaded)
	}

	backend, err := uploads.NewBackendFromEnv(ctx)
	if err != nil {
		logger.Error("init upload backend", "error", err)
		os.Exit(1)
	}

	gates, err := approval.NewEvaluator()
	if err != nil {
		logger.Error("init approval evaluator", "error", err)
		os.Exit(1)
	}
	var notifier submission.ReviewNotifier
	if cfg.ReviewerWebhookURL != "" {
		notifier = approval.NewWebhookNotifier(cfg.ReviewerWebhookURL, logger)
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		logger.Error("init metrics", "error", err)
		os.Exit(1)
	}

	manager := submission.NewManager(st, eventlog.New(st), reg, submission.Options{
		Uploads:  backend,
		Gates:    gates,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
		BaseURL:  cfg.BaseURL,
	})

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	engine := delivery.NewEngine(manager, delivery.DefaultPolicy(), logger)
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret not set, deliveries will be unsigned")
	}
	engine.RegisterSender(contracts.DestinationWebhook, delivery.NewWebhookSender(cfg.WebhookSecret))
	engine.RegisterSender(contracts.DestinationCallback, delivery.NewCallbackSender())
	if rdb != nil {
		engine.RegisterSender(contracts.DestinationQueue, delivery.NewQueueSender(rdb))
	}
	engine.Start(ctx, cfg.DeliveryWorkers)
	manager.SetDeliverer(engine)

	go submission.NewSweeper(manager, cfg.SweepInterval, logger).Run(ctx)

	var limiter api.Limiter
	if rdb != nil {
		limiter = api.NewRedisLimiter(rdb, 20, 40)
	} else {
		limiter = api.NewIPLimiter(20, 40)
	}
	dev, _ := backend.(*uploads.FileBackend)
	server := api.NewServer(manager, reg, dev, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("formbridge listening", "addr", srv.Addr, "base_url", cfg.BaseURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	engine.Wait()
	logger.Info("formbridge stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return store.OpenPostgres(cfg.DatabaseURL)
	default:
		return store.NewMemoryStore(), nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
