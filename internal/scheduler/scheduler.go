// Package scheduler drives retries. It polls the store for due retry
// rows, claims them, and hands each to the delivery engine. Claiming
// happens inside the store query, so running several schedulers is
// safe.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/store/driver"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultConcurrency  = 10
)

// Executor runs one claimed retry attempt.
type Executor interface {
	ProcessRetry(ctx context.Context, task *models.RetryTask) error
}

type Scheduler struct {
	logger       *logging.Logger
	store        driver.EventStore
	executor     Executor
	pollInterval time.Duration
	batchSize    int
	concurrency  int
}

type Option func(*Scheduler)

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(logger *logging.Logger, store driver.EventStore, executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       logger,
		store:        store,
		executor:     executor,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		concurrency:  defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is canceled. Claimed tasks are always executed,
// even during shutdown; a claimed row has had its due time cleared and
// would otherwise be lost.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Ctx(ctx).Error("retry poll failed", zap.Error(err))
			}
		}
	}
}

// Tick claims one batch of due retries and executes them.
func (s *Scheduler) Tick(ctx context.Context) error {
	tasks, err := s.store.PendingRetries(ctx, s.batchSize)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	s.logger.Ctx(ctx).Info("claimed due retries", zap.Int("count", len(tasks)))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if err := s.executor.ProcessRetry(context.WithoutCancel(ctx), task); err != nil {
				s.logger.Ctx(ctx).Error("retry execution failed",
					zap.Error(err),
					zap.Int64("event_id", task.EventID),
					zap.Int64("subscriber_id", task.SubscriberID),
					zap.Int("attempt", task.NextAttempt))
			}
			return nil
		})
	}
	return g.Wait()
}
