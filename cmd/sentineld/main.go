package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/keyurp7/iam-sentinel/internal/aggregate"
	"github.com/keyurp7/iam-sentinel/internal/alerts"
	"github.com/keyurp7/iam-sentinel/internal/api"
	"github.com/keyurp7/iam-sentinel/internal/detect"
	"github.com/keyurp7/iam-sentinel/internal/ingest"
	"github.com/keyurp7/iam-sentinel/internal/metrics"
	"github.com/keyurp7/iam-sentinel/internal/pipeline"
	"github.com/keyurp7/iam-sentinel/internal/pubsub"
	"github.com/keyurp7/iam-sentinel/internal/risk"
	"github.com/keyurp7/iam-sentinel/internal/store"
	"github.com/keyurp7/iam-sentinel/internal/window"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	httpAddr := getEnv("SENTINEL_HTTP_ADDR", ":8080")
	natsURL := getEnv("NATS_URL", nats.DefaultURL)
	dbPath := getEnv("SENTINEL_DB_PATH", "data/sentinel.db")
	alertWebhookURL := getEnv("SENTINEL_ALERT_WEBHOOK_URL", "")
	riskConfigPath := getEnv("SENTINEL_RISK_CONFIG", "config/risk.yaml")
	windowCapacity := getEnvInt("SENTINEL_WINDOW_CAPACITY", window.DefaultCapacity)
	retentionHours := getEnvInt("SENTINEL_ALERT_RETENTION_HOURS", 24)
	pruneAgeDays := getEnvInt("SENTINEL_PRUNE_AGE_DAYS", 30)
	maintenanceMinutes := getEnvInt("SENTINEL_MAINTENANCE_INTERVAL_MINUTES", 60)
	hotReload := getEnvBool("SENTINEL_RISK_HOT_RELOAD", true)
	reloadDebounceMs := getEnvInt("SENTINEL_RISK_RELOAD_DEBOUNCE_MS", 500)

	logger.Info("starting iam-sentinel",
		"http_addr", httpAddr,
		"nats_url", natsURL,
		"db_path", dbPath,
		"window_capacity", windowCapacity,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Risk configuration: file overrides defaults, optionally hot-reloaded.
	loader := risk.NewLoader(riskConfigPath, hotReload, reloadDebounceMs, logger)
	riskCfg, err := loader.Load()
	if err != nil {
		logger.Warn("failed to load risk config, using defaults", "path", riskConfigPath, "error", err)
		riskCfg = risk.DefaultConfig()
	}
	scorer, err := risk.NewScorer(riskCfg)
	if err != nil {
		logger.Error("invalid risk config", "error", err)
		os.Exit(1)
	}
	if hotReload {
		loader.WatchForChanges(ctx, scorer)
	}

	// Durable store. Startup fails without it; everything else degrades.
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Message bus is optional: without it the service runs HTTP-only.
	var nc *nats.Conn
	nc, err = nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Warn("nats unavailable, running without bus", "url", natsURL, "error", err)
		nc = nil
	}

	m := metrics.New()

	var eventPublisher pubsub.EventPublisher
	var busPublisher *pubsub.NATSPublisher
	alertSinks := pubsub.AlertFanout{}
	if nc != nil {
		busPublisher = pubsub.NewNATSPublisher(nc, logger)
		eventPublisher = busPublisher
		alertSinks = append(alertSinks, busPublisher)
	}
	if alertWebhookURL != "" {
		alertSinks = append(alertSinks, pubsub.NewWebhookSink(alertWebhookURL, logger))
	}
	var notifier alerts.Notifier
	if len(alertSinks) > 0 {
		notifier = alertSinks
	}

	mgr := alerts.New(db, notifier, logger,
		alerts.WithRetention(time.Duration(retentionHours)*time.Hour),
		alerts.WithMetrics(m),
	)

	pipe, err := pipeline.New(pipeline.Config{
		Scorer:    scorer,
		Window:    window.New(windowCapacity),
		Detector:  detect.New(),
		Alerts:    mgr,
		Store:     db,
		Publisher: eventPublisher,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	engine := aggregate.New(db, mgr)

	server := api.NewServer(pipe, engine, mgr, logger, nil)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	if nc != nil {
		sub := ingest.NewSubscriber(nc, pipe, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Start(ctx); err != nil {
				logger.Error("ingest subscriber failed", "error", err)
			}
		}()
	}

	// Maintenance loop: sweep expired alerts, prune old rows, broadcast a
	// fresh metrics snapshot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runMaintenance(ctx, mgr, db, engine, busPublisher, logger,
			time.Duration(maintenanceMinutes)*time.Minute,
			time.Duration(pruneAgeDays)*24*time.Hour,
		)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	wg.Wait()
	if nc != nil {
		nc.Close()
	}
	logger.Info("shutdown complete")
}

func runMaintenance(ctx context.Context, mgr *alerts.Manager, db *store.SQLite, engine *aggregate.Engine, bus *pubsub.NATSPublisher, logger *slog.Logger, interval, pruneAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Sweep(ctx)

			events, alertRows, err := db.PruneBefore(ctx, time.Now().Add(-pruneAge))
			if err != nil {
				logger.Warn("prune failed", "error", err)
			} else if events > 0 || alertRows > 0 {
				logger.Info("pruned old rows", "events", events, "alerts", alertRows)
			}

			if bus != nil {
				snapshot, err := engine.Metrics(ctx)
				if err != nil {
					logger.Warn("metrics snapshot failed", "error", err)
					continue
				}
				if err := bus.PublishMetrics(snapshot); err != nil {
					logger.Warn("failed to broadcast metrics snapshot", "error", err)
				}
			}
		}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
