// Command attribution starts the span attribution HTTP API.
//
// It loads the configured corpus indexes, answers v1 and v2 attribution
// requests, caches rendered responses in Redis, publishes analytics events
// and cache invalidations to Kafka, and overlays document metadata kept in
// PostgreSQL. Redis, Kafka and PostgreSQL are optional; the service runs on
// the index files alone.
//
// Usage:
//
//	go run ./cmd/attribution [-config configs/development.yaml] [-env .env]
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
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/api"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/tracing"
)

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
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("attribution service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("attribution service stopped")
}

func run(cfg *config.Config) error {
	slog.Info("starting attribution service",
		"port", cfg.Server.Port,
		"indexes", len(cfg.Indexes),
		"worker_pool", cfg.Attribution.WorkerPoolSize,
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := m.StartServer(cfg.Metrics.Port)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(sctx)
		}()
	}

	// Analytics: always aggregated in-process, also published when Kafka is on.
	aggregator := analytics.NewAggregator(nil)
	trackers := analytics.Tee{aggregator}
	if cfg.Kafka.Enabled && cfg.Analytics.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
		defer producer.Close()
		collector := analytics.NewCollector(producer, cfg.Analytics.BufferSize)
		collector.Start(ctx)
		defer collector.Close()
		trackers = append(trackers, collector)
		slog.Info("analytics collector started", "topic", cfg.Kafka.Topics.AnalyticsEvents)
	}

	registry := corpus.NewRegistry(cfg.Indexes, corpus.WithStateObserver(
		func(name string, state corpus.State, idx *corpus.Index) {
			m.IndexState.WithLabelValues(name).Set(float64(state))
			var docs int64
			if idx != nil {
				docs = idx.DocCount()
			}
			m.IndexDocuments.WithLabelValues(name).Set(float64(docs))
			trackers.Track(analytics.IndexEvent{
				Type:      analytics.EventIndexState,
				Index:     name,
				State:     state.String(),
				Documents: docs,
				Timestamp: time.Now().UTC(),
			})
		}))

	finder, err := attribution.NewFinder(attribution.WithPoolSize(cfg.Attribution.WorkerPoolSize))
	if err != nil {
		return fmt.Errorf("creating span finder: %w", err)
	}
	defer finder.Release()

	checker := health.NewChecker()
	checker.Register("indexes", indexCheck(registry, len(cfg.Indexes)))

	svcOpts := []attribution.ServiceOption{
		attribution.WithMetrics(m),
		attribution.WithTracker(trackers),
	}
	var history analytics.SnapshotLister
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, metadata overlay and snapshots disabled", "error", err)
		} else {
			defer db.Close()
			checker.RegisterOptional("postgres", db.Check)
			slog.Info("connected to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)

			if cfg.Documents.MetadataFromPostgres {
				docs := documents.NewStore(db)
				if err := docs.EnsureSchema(ctx); err != nil {
					slog.Warn("document metadata overlay disabled", "error", err)
				} else {
					svcOpts = append(svcOpts, attribution.WithOverlay(docs))
				}
			}
			if cfg.Analytics.Enabled {
				store := analytics.NewStore(db)
				if err := store.EnsureSchema(ctx); err != nil {
					slog.Warn("analytics snapshots disabled", "error", err)
				} else {
					store.StartPeriodicSave(ctx, aggregator, cfg.Analytics.SnapshotInterval)
					history = store
				}
			}
		}
	}

	svc, err := attribution.NewService(registry, finder, cfg.Attribution, svcOpts...)
	if err != nil {
		return err
	}

	apiOpts := []api.Option{
		api.WithMetrics(m),
		api.WithTracker(trackers),
		api.WithSampler(tracing.NewSampler(cfg.Tracing.Enabled, cfg.Tracing.SampleRate)),
	}

	var respCache *cache.ResponseCache
	if cfg.Redis.Enabled {
		rc, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, response caching disabled", "error", err)
		} else {
			defer rc.Close()
			respCache = cache.New(rc, cfg.Redis,
				cache.WithMetrics(m),
				cache.WithComputeTimeout(cfg.Attribution.RequestTimeout),
			)
			apiOpts = append(apiOpts, api.WithCache(respCache))
			checker.RegisterOptional("redis", health.PingCheck(rc.Ping))
			slog.Info("response cache enabled",
				"addr", cfg.Redis.Addr,
				"ttl", cfg.Redis.CacheTTL,
				"hit_ttl", cfg.Redis.CacheHitTTL,
			)
		}
	}

	if cfg.Kafka.Enabled {
		invalidations := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
		defer invalidations.Close()
		apiOpts = append(apiOpts, api.WithInvalidationPublisher(invalidations))
		if respCache != nil {
			// Every instance must apply every invalidation, so each gets its own group.
			group := fmt.Sprintf("%s-invalidate-%s", cfg.Kafka.ConsumerGroup, instanceID())
			consumer := kafka.NewGroupConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate, group,
				cache.InvalidationHandler(respCache))
			go func() {
				if err := consumer.Start(ctx); err != nil {
					slog.Error("invalidation consumer error", "error", err)
				}
			}()
			slog.Info("cache invalidation consumer started", "topic", cfg.Kafka.Topics.CacheInvalidate, "group", group)
		}
	}

	routes := api.Routes{
		Analytics:   analytics.NewHandler(aggregator, history).Stats,
		Live:        checker.LiveHandler(),
		Ready:       checker.ReadyHandler(),
		Metrics:     m,
		HTTPTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)
		limiter.StartCleanup(ctx, 10*cfg.RateLimit.Window)
		routes.RateLimit = ratelimit.Middleware(limiter, m)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(api.NewHandler(svc, registry, apiOpts...), routes),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("attribution service listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// In-flight requests finish before the trackers and clients are closed.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	return nil
}

// indexCheck reports down when no index can serve, degraded when some
// configured indexes are not ready.
func indexCheck(registry *corpus.Registry, configured int) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		ready := registry.Ready()
		details := map[string]any{"ready": ready, "configured": configured}
		switch {
		case ready == 0:
			return health.ComponentHealth{Status: health.StatusDown, Message: "no index ready", Details: details}
		case ready < configured:
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "some indexes unavailable", Details: details}
		default:
			return health.ComponentHealth{Status: health.StatusUp, Details: details}
		}
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
