package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/logging"
)

// Supervisor runs registered workers and tracks their health. A failed
// worker does not stop the others; the HTTP server keeps answering and
// the readiness probe reports the failure so the orchestrator restarts
// the instance.
type Supervisor struct {
	workers         map[string]Worker
	health          *HealthTracker
	logger          *logging.Logger
	shutdownTimeout time.Duration
}

type SupervisorOption func(*Supervisor)

// WithShutdownTimeout caps how long Run waits for workers after the
// context is canceled. Zero means wait indefinitely.
func WithShutdownTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.shutdownTimeout = timeout
	}
}

func NewSupervisor(logger *logging.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		workers: make(map[string]Worker),
		health:  NewHealthTracker(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a worker. Panics on a duplicate name; registration
// happens once at startup and a duplicate is a programming error.
func (s *Supervisor) Register(w Worker) {
	if _, exists := s.workers[w.Name()]; exists {
		panic(fmt.Sprintf("worker %s already registered", w.Name()))
	}
	s.workers[w.Name()] = w
}

func (s *Supervisor) Health() *HealthTracker {
	return s.health
}

// Run starts every registered worker and blocks until all of them exit
// or the context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.workers) == 0 {
		s.logger.Warn("no workers registered")
		return nil
	}

	s.logger.Info("starting workers", zap.Int("count", len(s.workers)))

	var wg sync.WaitGroup
	for name, w := range s.workers {
		wg.Add(1)
		s.health.MarkRunning(name)
		go func(name string, w Worker) {
			defer wg.Done()

			s.logger.Info("worker starting", zap.String("worker", name))
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("worker failed", zap.String("worker", name), zap.Error(err))
				s.health.MarkFailed(name)
				return
			}
			s.logger.Info("worker stopped", zap.String("worker", name))
			s.health.MarkStopped(name)
		}(name, w)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down workers")
		if s.shutdownTimeout > 0 {
			return s.waitWithTimeout(&wg, s.shutdownTimeout)
		}
		wg.Wait()
		return nil
	case <-waitChan(&wg):
		s.logger.Warn("all workers have exited")
		return nil
	}
}

func (s *Supervisor) waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) error {
	select {
	case <-waitChan(wg):
		return nil
	case <-time.After(timeout):
		s.logger.Warn("shutdown timeout exceeded", zap.Duration("timeout", timeout))
		return fmt.Errorf("shutdown timeout exceeded (%v)", timeout)
	}
}

func waitChan(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
