package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/Priya8975/integration-hub/internal/api"
	"github.com/Priya8975/integration-hub/internal/config"
	"github.com/Priya8975/integration-hub/internal/credential"
	"github.com/Priya8975/integration-hub/internal/engine"
	"github.com/Priya8975/integration-hub/internal/events"
	"github.com/Priya8975/integration-hub/internal/jobs"
	"github.com/Priya8975/integration-hub/internal/ledger"
	"github.com/Priya8975/integration-hub/internal/observability"
	"github.com/Priya8975/integration-hub/internal/store"
	"github.com/Priya8975/integration-hub/internal/store/memory"
	"github.com/Priya8975/integration-hub/internal/webhook"
	ws "github.com/Priya8975/integration-hub/internal/websocket"
	"github.com/Priya8975/integration-hub/internal/worker"
)

// shutdownGrace bounds how long in-flight deliveries and HTTP requests may run after a signal.
const shutdownGrace = 30 * time.Second

// repository is satisfied by both storage drivers.
type repository interface {
	credential.Repository
	webhook.Repository
	ledger.Repository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ready := map[string]api.Pinger{}

	var repo repository
	switch cfg.StoreDriver {
	case config.StoreMemory:
		repo = memory.New()
		logger.Warn("using in-memory store; data is lost on restart")
	default:
		pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		logger.Info("connected to PostgreSQL")

		if err := pgStore.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("database migrations applied", "dir", cfg.MigrationsDir)
		repo = pgStore
		ready["postgres"] = pgStore
	}

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")
	ready["redis"] = redisStore
	client := redisStore.Client()

	metrics := observability.NewMetrics()
	keys := credential.NewService(repo, logger)
	registry := webhook.NewRegistry(repo, !cfg.IsProduction(), logger)
	led := ledger.New(repo, keys, registry, ledger.Options{
		Window:      cfg.StatusWindow,
		RecentLimit: cfg.StatusRecentLimit,
	}, logger)

	queue := engine.NewQueue(client)
	circuitBreaker := engine.NewCircuitBreaker(client, cfg.CircuitFailureThreshold, cfg.CircuitCooldown, logger)
	rateLimiter := engine.NewRateLimiter(client, logger)

	bus := events.NewBus(logger)
	bus.Subscribe(engine.NewDispatcher(registry, led, queue, metrics, logger))

	hub := ws.NewHub(logger)

	deliverer := worker.NewDeliverer(worker.Config{
		Ledger:         led,
		Webhooks:       registry,
		Queue:          queue,
		CircuitBreaker: circuitBreaker,
		RateLimiter:    rateLimiter,
		RateLimit:      cfg.WebhookRateLimit,
		Hub:            hub,
		Metrics:        metrics,
		Policy: worker.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      cfg.RetryJitter,
		},
		Timeout: cfg.DeliveryTimeout,
		Logger:  logger,
	})

	// Workers outlive the signal so claimed jobs finish; the grace timer cuts them off.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	pool.Start(workCtx)
	poller := worker.NewPoller(queue, pool, cfg.PollInterval, cfg.PollBatchSize, logger)

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis URL for asynq: %w", err)
	}
	housekeeping, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:       redisOpt,
		Housekeeper:     jobs.NewHousekeeper(led, queue, metrics, cfg.LedgerRetention, cfg.StallThreshold, logger),
		PruneSchedule:   cfg.PruneSchedule,
		RecoverSchedule: cfg.RecoverSchedule,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("configuring housekeeping: %w", err)
	}

	router := api.NewRouter(api.Deps{
		Keys:           keys,
		Webhooks:       registry,
		Bus:            bus,
		Ledger:         led,
		Queue:          queue,
		CircuitBreaker: circuitBreaker,
		Hub:            hub,
		Metrics:        metrics,
		Ready:          ready,
		Production:     cfg.IsProduction(),
		RateLimit:      cfg.APIRateLimit,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		poller.Start(gctx)
		grace := time.AfterFunc(shutdownGrace, cancelWork)
		defer grace.Stop()
		pool.Stop()
		return nil
	})

	g.Go(func() error {
		return housekeeping.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.AppEnv, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
