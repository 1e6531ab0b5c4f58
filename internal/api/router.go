// Package api exposes the ingest HTTP surface: the per-platform webhook
// endpoint and the health probes.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/logging"
)

type RouterConfig struct {
	ServiceName string
	GinMode     string
}

func NewRouter(
	cfg RouterConfig,
	logger *logging.Logger,
	webhookHandlers *WebhookHandlers,
	healthHandlers *HealthHandlers,
) http.Handler {
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(LoggerMiddleware(logger))

	r.POST("/webhook/:platform", webhookHandlers.Receive)
	r.GET("/healthz/live", healthHandlers.Live)
	r.GET("/healthz/ready", healthHandlers.Ready)

	return r
}

func LoggerMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Ctx(c.Request.Context()).Info("request completed",
			zap.String("path", path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
