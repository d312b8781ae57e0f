// Command analytics starts the standalone analytics aggregation service.
//
// It consumes attribution and index-state events from Kafka, aggregates them
// in memory (request totals, latency percentiles, cache hit rate, zero-result
// and timeout counts, busiest indexes), persists periodic snapshots to
// PostgreSQL when enabled, and serves GET /api/v1/analytics for dashboards.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml] [-env .env]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/postgres"
)

// main boots the analytics service: a Kafka consumer feeding the aggregator,
// optional snapshot persistence, health checks and the HTTP API. Graceful
// shutdown is triggered by SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	envFile := flag.String("env", ".env", "dotenv file applied before the config is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Kafka.Enabled {
		fmt.Fprintln(os.Stderr, "analytics service requires kafka.enabled")
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aggregator := analytics.NewAggregator(nil)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents, analytics.HandleEvent(aggregator))
	aggregator.SetConsumer(consumer)

	checker := health.NewChecker()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := aggregator.Start(ctx); err != nil {
			slog.Error("aggregator error", "error", err)
		}
	}()
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		select {
		case <-consumerDone:
			return health.ComponentHealth{Status: health.StatusDown, Message: "consumer stopped"}
		default:
			return health.ComponentHealth{Status: health.StatusUp, Message: "consumer active"}
		}
	})
	slog.Info("analytics aggregator started", "topic", cfg.Kafka.Topics.AnalyticsEvents)

	var history analytics.SnapshotLister
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, snapshots disabled", "error", err)
		} else {
			defer db.Close()
			store := analytics.NewStore(db, analytics.WithRetention(cfg.Analytics.SnapshotRetention))
			if err := store.EnsureSchema(ctx); err != nil {
				slog.Warn("analytics snapshots disabled", "error", err)
			} else {
				store.StartPeriodicSave(ctx, aggregator, cfg.Analytics.SnapshotInterval)
				history = store
				checker.RegisterOptional("postgres", db.Check)
			}
		}
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := m.StartServer(cfg.Metrics.Port)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(sctx)
		}()
	}

	analyticsHandler := analytics.NewHandler(aggregator, history)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", analyticsHandler.Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	chain := middleware.Metrics(m)(middleware.Routed(mux))
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           chain,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-consumerDone

	slog.Info("analytics service stopped")
}
