package app

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/config"
	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/migrator"
)

// runMigration applies pending schema migrations. When several nodes
// start at once, one acquires the advisory lock and migrates; the rest
// fail with lock errors, wait, and find the work already done on retry.
func runMigration(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	const (
		maxRetries = 3
		retryDelay = 5 * time.Second
	)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		m, err := migrator.New(cfg.Store.PostgresURL)
		if err != nil {
			return err
		}

		version, applied, err := m.Up(ctx, -1)

		sourceErr, dbErr := m.Close(ctx)
		if sourceErr != nil {
			logger.Error("failed to close migrator source", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Error("failed to close migrator database connection", zap.Error(dbErr))
		}

		if err == nil {
			if applied > 0 {
				logger.Info("migrations applied",
					zap.Int("version", version),
					zap.Int("applied", applied))
			} else {
				logger.Info("no migrations applied", zap.Int("version", version))
			}
			return nil
		}

		lastErr = err
		if !isLockRelatedError(err) {
			logger.Error("migration failed", zap.Error(err))
			return err
		}

		if attempt < maxRetries {
			logger.Warn("migration lock conflict, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("retry_delay", retryDelay),
				zap.Error(err))
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func isLockRelatedError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "can't acquire lock") ||
		strings.Contains(msg, "try lock failed") ||
		strings.Contains(msg, "pg_advisory_lock")
}
