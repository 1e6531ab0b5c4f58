// Package app wires the configured components into a running service:
// store, queue, transport registry, delivery engine, and the workers
// that drive them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/api"
	"github.com/forgerelay/forgerelay/internal/cipher"
	"github.com/forgerelay/forgerelay/internal/config"
	"github.com/forgerelay/forgerelay/internal/delivery"
	"github.com/forgerelay/forgerelay/internal/ingest"
	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/scheduler"
	"github.com/forgerelay/forgerelay/internal/store"
	"github.com/forgerelay/forgerelay/internal/store/driver"
	"github.com/forgerelay/forgerelay/internal/store/memstore"
	"github.com/forgerelay/forgerelay/internal/store/pgstore"
	"github.com/forgerelay/forgerelay/internal/transport/registry"
	"github.com/forgerelay/forgerelay/internal/worker"
)

type App struct {
	config *config.Config
}

func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

func (a *App) Run(ctx context.Context) error {
	return run(ctx, a.config)
}

func run(mainContext context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(logging.WithLogLevel(cfg.Monitoring.LogLevel))
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting forgerelay",
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store.Kind),
		zap.String("queue", cfg.Queue.Kind))

	if cfg.Store.Kind == config.StoreKindPostgres {
		if err := runMigration(mainContext, cfg, logger); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(mainContext)
	defer cancel()

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	baseStore, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return err
	}
	cleanups = append(cleanups, func() { _ = baseStore.Close() })

	headerCipher, err := cipher.NewHeaderCipher(cfg.Store.MasterEncryptionSecret)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping failed", zap.Error(err))
			return err
		}
		cleanups = append(cleanups, func() { _ = redisClient.Close() })
	}
	cachedStore := store.NewCachedStore(baseStore, redisClient)

	queue, err := mqs.New(ctx, cfg.ToMQConfig())
	if err != nil {
		logger.Error("queue initialization failed", zap.Error(err))
		return err
	}
	cleanups = append(cleanups, func() { _ = queue.Close() })

	transportRegistry := registry.New(registry.Options{
		UserAgent:             cfg.Delivery.UserAgent,
		AllowInsecureWebhooks: cfg.Delivery.AllowInsecureWebhooks,
	})
	cleanups = append(cleanups, func() { _ = transportRegistry.Close() })

	engine := delivery.NewEngine(
		logger,
		cachedStore,
		transportRegistry,
		headerCipher,
		cfg.ToRetryPolicy(),
		cfg.Delivery.MaxConcurrency,
		delivery.WithTimeouts(cfg.Delivery.Timeout),
	)

	validator, err := ingest.NewValidator(cfg.ToIngestConfig())
	if err != nil {
		return err
	}

	supervisor := worker.NewSupervisor(logger)

	webhookHandlers := api.NewWebhookHandlers(logger, validator, headerCipher, cachedStore, queue, engine, api.WebhookHandlersConfig{
		MaxBodyBytes:         int64(cfg.Security.PayloadSizeLimitMB) << 20,
		Async:                cfg.Processing.Async,
		FailedDeliveryAlerts: cfg.Monitoring.FailedDeliveryAlerts,
	})
	healthHandlers := api.NewHealthHandlers(logger, cachedStore, queue, supervisor.Health(), api.HealthHandlersConfig{
		QueueDepthThreshold:  cfg.Queue.DeadLetterThreshold,
		FailureRateThreshold: cfg.Monitoring.FailureRateThreshold,
	})
	handler := api.NewRouter(api.RouterConfig{ServiceName: "forgerelay"}, logger, webhookHandlers, healthHandlers)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}
	supervisor.Register(NewHTTPServerWorker(httpServer, logger))

	supervisor.Register(NewFanoutConsumerWorker(queue, engine, cfg, logger))

	retryScheduler := scheduler.New(logger, cachedStore, engine,
		scheduler.WithPollInterval(time.Duration(cfg.Processing.ProcessingIntervalMS)*time.Millisecond),
		scheduler.WithBatchSize(cfg.Processing.BatchSize),
		scheduler.WithConcurrency(cfg.Delivery.MaxConcurrency),
	)
	supervisor.Register(NewRetrySchedulerWorker(retryScheduler, logger))

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- supervisor.Run(ctx)
	}()

	var exitErr error
	select {
	case <-termChan:
		logger.Info("shutdown signal received")
		cancel()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("error during graceful shutdown", zap.Error(err))
			exitErr = err
		}
	case err := <-errChan:
		if err != nil {
			logger.Error("workers exited unexpectedly", zap.Error(err))
			exitErr = err
		}
	}

	logger.Info("forgerelay shutdown complete")
	return exitErr
}

func buildStore(ctx context.Context, cfg *config.Config) (driver.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreKindPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("creating postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		return pgstore.New(pool), nil
	case config.StoreKindMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}
