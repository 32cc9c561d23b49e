package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liamcoop/tariffrules/batch"
	"github.com/liamcoop/tariffrules/internal/config"
	"github.com/liamcoop/tariffrules/internal/logger"
	"github.com/liamcoop/tariffrules/internal/metrics"
	"github.com/liamcoop/tariffrules/internal/tracing"
	"github.com/liamcoop/tariffrules/rules"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// openModelSource returns the configured model source. The *sql.DB is nil
// unless the source is postgres.
func openModelSource(ctx context.Context, cfg *config.Config) (rules.ModelSource, *sql.DB, error) {
	switch cfg.Model.Source {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return rules.NewPostgresModelSource(db, cfg.Model.Name), db, nil
	default:
		return rules.NewFileModelSource(cfg.Model.Path), nil, nil
	}
}

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	shutdownTracing, err := tracing.Init(rootCtx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Writer:      os.Stdout,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	source, db, err := openModelSource(rootCtx, cfg)
	if err != nil {
		logger.Fatal("failed to open model source", "error", err)
	}
	if db != nil {
		defer db.Close()
	}

	cache := rules.NewInMemoryModelCache(rules.CacheConfig{TTL: cfg.Model.CacheTTL})
	loader, err := rules.NewLoader(source, rules.CachePolicy(cfg.Model.CachePolicy), cache)
	if err != nil {
		logger.Fatal("failed to create model loader", "error", err)
	}

	// Surface a broken artifact in the logs at startup
	if model, err := loader.Load(rootCtx); err != nil {
		logger.Logger.Warn("decision model not loadable at startup", "source", source.Describe(), "error", err)
	} else {
		logger.Info("decision model loaded",
			"model", model.Name, "version", model.Version, "rules", len(model.Rules),
			"source", source.Describe(), "cache_policy", loader.Policy())
	}

	if cfg.Model.Watch && cfg.Model.Source == "file" {
		go func() {
			if err := rules.WatchFile(rootCtx, cfg.Model.Path, loader.Invalidate); err != nil {
				logger.Logger.Error("model watcher stopped", "error", err)
			}
		}()
	}

	pool, err := batch.NewPool(cfg.Pool.Workers, cfg.Pool.QueueDepth, batch.NewRulesEngine, collector)
	if err != nil {
		logger.Fatal("failed to start worker pool", "error", err)
	}

	server := NewServer(cfg, loader, pool, collector, db)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      otelhttp.NewHandler(server, "tariff-rules"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Dispatch.BatchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting",
			"addr", cfg.HTTPListenAddr,
			"pool_workers", pool.Size(),
			"default_mode", cfg.Dispatch.DefaultMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-rootCtx.Done()

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Logger.Error("server shutdown error", "error", err)
	}
	pool.Close()

	if err := shutdownTracing(ctx); err != nil {
		logger.Logger.Error("tracer shutdown error", "error", err)
	}
	logger.Info("server stopped")
	_ = logger.Shutdown(ctx)
}
