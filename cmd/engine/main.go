// Package main is the entrypoint for the Clara engine. It loads
// configuration, sets up signal handling, starts the health probe server and
// metrics endpoint, wires the subsystems together, and runs the engine loop
// until shutdown.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hyperxav/clara-engine/internal/bucket"
	"github.com/hyperxav/clara-engine/internal/cache"
	"github.com/hyperxav/clara-engine/internal/clock"
	"github.com/hyperxav/clara-engine/internal/config"
	"github.com/hyperxav/clara-engine/internal/driver"
	"github.com/hyperxav/clara-engine/internal/engine"
	"github.com/hyperxav/clara-engine/internal/health"
	"github.com/hyperxav/clara-engine/internal/knowledge"
	"github.com/hyperxav/clara-engine/internal/metrics"
	"github.com/hyperxav/clara-engine/internal/pipeline"
	"github.com/hyperxav/clara-engine/internal/prompt"
	"github.com/hyperxav/clara-engine/internal/ratelimit"
	"github.com/hyperxav/clara-engine/internal/registry"
	"github.com/hyperxav/clara-engine/internal/repository"
	"github.com/hyperxav/clara-engine/internal/scheduler"
	"github.com/hyperxav/clara-engine/internal/validate"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the engine config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	level, err := config.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting clara engine", "version", "dev")

	if err := run(cfg, logger); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}

	// Counter store: Redis when configured, in-memory otherwise.
	var store bucket.Store
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		redisStore, err := bucket.NewRedisStore(ctx, client, clk)
		if err != nil {
			return fmt.Errorf("connecting counter store: %w", err)
		}
		store = redisStore
	} else {
		logger.Warn("no redis configured, using in-memory counter store; quotas are not shared across replicas")
		store = bucket.NewMemoryStore(clk)
	}

	// Repository: Postgres when configured, in-memory otherwise.
	var repo repository.Repository
	if cfg.Database.URL != "" {
		pg, err := repository.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connecting repository: %w", err)
		}
		repo = pg
	} else {
		logger.Warn("no database configured, using in-memory repository; tenants and posts are not durable")
		repo = repository.NewMemory()
	}
	defer repo.Close()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository unreachable: %w", err)
	}

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	llm, err := driver.NewOpenAI(driver.OpenAIConfig{
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		APIKey:         apiKey,
		Timeout:        cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating llm driver: %w", err)
	}

	posting, err := driver.NewHTTPPosting(driver.HTTPPostingConfig{
		BaseURL: cfg.Posting.BaseURL,
		Timeout: cfg.Posting.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating posting driver: %w", err)
	}

	// Initialize Prometheus metrics.
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRegistry.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(metricsRegistry)

	// Initialize health handler and probe server.
	healthHandler := health.NewHandler(health.WithLogger(logger))
	healthSrv, err := health.NewServer(healthHandler, cfg.Health.Port)
	if err != nil {
		return fmt.Errorf("creating health server: %w", err)
	}
	go func() {
		if serveErr := healthSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("health server failed", "error", serveErr)
		}
	}()

	// Start metrics server.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: metricsMux,
	}
	go func() {
		if serveErr := metricsSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", serveErr)
		}
	}()

	coord, err := ratelimit.New(store, cfg.Limits, logger)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	reg, err := registry.New(repo, clk, cfg.Engine.ReconcileInterval, logger)
	if err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}

	semCache, err := cache.New(cache.Config{
		Capacity:            cfg.Cache.Capacity,
		TTL:                 cfg.Cache.TTL,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		SweepInterval:       cfg.Cache.SweepInterval,
	}, llm, clk, logger)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	validator, err := validate.Default(logger, cfg.Validator.PostMaxLen, cfg.Validator.BlockedWords, nil, cfg.Validator.SafetyThreshold)
	if err != nil {
		return fmt.Errorf("creating validator: %w", err)
	}

	kb, err := knowledge.NewStore(knowledge.Config{
		SimilarityThreshold: cfg.Knowledge.SimilarityThreshold,
		MaxResults:          cfg.Knowledge.MaxResults,
	}, llm)
	if err != nil {
		return fmt.Errorf("creating knowledge store: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Repo:      repo,
		Coord:     coord,
		Renderer:  prompt.NewRenderer(),
		Cache:     semCache,
		Validator: validator,
		LLM:       llm,
		Posting:   posting,
		Knowledge: kb,
		Clock:     clk,
		Metrics:   m,
		Logger:    logger,
	}, cfg)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	sched, err := scheduler.New(reg, store, clk, cfg.Limits, cfg.Engine.TickInterval, m, logger)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	eng, err := engine.New(engine.Deps{
		Registry:  reg,
		Scheduler: sched,
		Pipeline:  pipe,
		Coord:     coord,
		Repo:      repo,
		Store:     store,
		Cache:     semCache,
		Clock:     clk,
		Health:    healthHandler,
		Metrics:   m,
		Logger:    logger,
	}, cfg)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	runErr := eng.Run(ctx)

	// Graceful shutdown of HTTP servers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("engine stopped")
	return runErr
}
