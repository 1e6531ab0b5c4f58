package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/config"
	"github.com/forgerelay/forgerelay/internal/consumer"
	"github.com/forgerelay/forgerelay/internal/delivery"
	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/scheduler"
	"github.com/forgerelay/forgerelay/internal/worker"
)

// HTTPServerWorker runs the ingest HTTP server under the supervisor.
type HTTPServerWorker struct {
	server *http.Server
	logger *logging.Logger
}

func NewHTTPServerWorker(server *http.Server, logger *logging.Logger) worker.Worker {
	return &HTTPServerWorker{server: server, logger: logger}
}

func (w *HTTPServerWorker) Name() string { return "http-server" }

func (w *HTTPServerWorker) Run(ctx context.Context) error {
	logger := w.logger.Ctx(ctx)
	logger.Info("http server listening", zap.String("addr", w.server.Addr))

	errChan := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down http server", zap.Error(err))
			return err
		}
		return nil
	case err := <-errChan:
		logger.Error("http server error", zap.Error(err))
		return err
	}
}

// FanoutConsumerWorker drains the fan-out queue into the delivery
// engine. Only pre-delivery failures release the message back to the
// queue; everything past the first attempt settles through the store.
type FanoutConsumerWorker struct {
	queue  mqs.Queue
	engine *delivery.Engine
	cfg    *config.Config
	logger *logging.Logger
}

func NewFanoutConsumerWorker(queue mqs.Queue, engine *delivery.Engine, cfg *config.Config, logger *logging.Logger) worker.Worker {
	return &FanoutConsumerWorker{queue: queue, engine: engine, cfg: cfg, logger: logger}
}

func (w *FanoutConsumerWorker) Name() string { return "fanout-consumer" }

func (w *FanoutConsumerWorker) Run(ctx context.Context) error {
	csm := consumer.New(w.queue, w.engine,
		consumer.WithName("fanout-consumer"),
		consumer.WithConcurrency(w.cfg.Delivery.MaxConcurrency),
		consumer.WithBatchSize(w.cfg.Processing.BatchSize),
		consumer.WithMaxAttempts(w.cfg.Queue.MaxRetries),
		consumer.WithLogger(w.logger),
		consumer.WithRetryable(func(err error) bool {
			var pre *delivery.PreDeliveryError
			return errors.As(err, &pre)
		}),
		consumer.WithOnAbandon(w.engine.Abandon),
	)

	if err := csm.Run(ctx); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Ctx(ctx).Error("error running consumer", zap.Error(err))
			return err
		}
	}
	return nil
}

// RetrySchedulerWorker drives the retry poll loop.
type RetrySchedulerWorker struct {
	scheduler *scheduler.Scheduler
	logger    *logging.Logger
}

func NewRetrySchedulerWorker(s *scheduler.Scheduler, logger *logging.Logger) worker.Worker {
	return &RetrySchedulerWorker{scheduler: s, logger: logger}
}

func (w *RetrySchedulerWorker) Name() string { return "retry-scheduler" }

func (w *RetrySchedulerWorker) Run(ctx context.Context) error {
	if err := w.scheduler.Run(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Ctx(ctx).Error("error running retry scheduler", zap.Error(err))
			return err
		}
	}
	return nil
}
