package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/store/driver"
	"github.com/forgerelay/forgerelay/internal/worker"
)

type HealthHandlersConfig struct {
	// QueueDepthThreshold degrades readiness when the fan-out backlog
	// crosses it. Zero disables the check.
	QueueDepthThreshold int
	// FailureRateThreshold degrades readiness when the trailing-hour
	// delivery failure rate crosses it. Zero disables the check.
	FailureRateThreshold float64
}

type HealthHandlers struct {
	logger *logging.Logger
	store  driver.Store
	queue  mqs.Queue
	health *worker.HealthTracker
	cfg    HealthHandlersConfig
}

func NewHealthHandlers(
	logger *logging.Logger,
	store driver.Store,
	queue mqs.Queue,
	health *worker.HealthTracker,
	cfg HealthHandlersConfig,
) *HealthHandlers {
	return &HealthHandlers{
		logger: logger,
		store:  store,
		queue:  queue,
		health: health,
		cfg:    cfg,
	}
}

func (h *HealthHandlers) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}

// Ready runs the readiness checks in order and reports the first one
// that fails.
func (h *HealthHandlers) Ready(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.store.Ping(ctx); err != nil {
		h.down(c, "store-unreachable", err)
		return
	}

	subscribers, err := h.store.ListSubscribers(ctx)
	if err != nil {
		h.down(c, "store-unreachable", err)
		return
	}
	if len(subscribers) == 0 {
		h.down(c, "no-subscribers", nil)
		return
	}

	if h.cfg.QueueDepthThreshold > 0 {
		stats, err := h.queue.Stats(ctx)
		if err != nil {
			h.down(c, "queue-unreachable", err)
			return
		}
		if stats.Approximate >= h.cfg.QueueDepthThreshold {
			h.down(c, "queue-backlog", nil)
			return
		}
	}

	if h.cfg.FailureRateThreshold > 0 {
		rate, err := h.store.FailureRate(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			h.down(c, "store-unreachable", err)
			return
		}
		if rate >= h.cfg.FailureRateThreshold {
			h.down(c, "failure-rate", nil)
			return
		}
	}

	if h.health != nil && !h.health.Healthy() {
		h.down(c, "worker-failed", nil)
		return
	}

	stats, err := h.store.EventStats(ctx)
	if err != nil {
		h.down(c, "store-unreachable", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "up", "events": stats})
}

func (h *HealthHandlers) down(c *gin.Context, check string, err error) {
	h.logger.Ctx(c.Request.Context()).Warn("readiness check failed",
		zap.String("check", check),
		zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "check": check})
}
