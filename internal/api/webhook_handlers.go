package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/ingest"
	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/store/driver"
)

// EventProcessor runs the fan-out for one stored event.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, eventID int64) error
}

// HeaderEncrypter seals captured upstream headers for storage.
type HeaderEncrypter interface {
	EncryptHeaders(headers map[string]string) (string, error)
}

type WebhookHandlersConfig struct {
	// MaxBodyBytes caps the request body read. Zero means unbounded.
	MaxBodyBytes int64
	// Async enqueues fan-out instead of running it inline; responses then
	// report acceptance, not delivery outcomes.
	Async bool
	// FailedDeliveryAlerts logs an alert line when a response reports
	// failed deliveries.
	FailedDeliveryAlerts bool
}

type WebhookHandlers struct {
	logger    *logging.Logger
	validator *ingest.Validator
	encrypter HeaderEncrypter
	store     driver.Store
	queue     mqs.Queue
	processor EventProcessor
	cfg       WebhookHandlersConfig
}

func NewWebhookHandlers(
	logger *logging.Logger,
	validator *ingest.Validator,
	encrypter HeaderEncrypter,
	store driver.Store,
	queue mqs.Queue,
	processor EventProcessor,
	cfg WebhookHandlersConfig,
) *WebhookHandlers {
	return &WebhookHandlers{
		logger:    logger,
		validator: validator,
		encrypter: encrypter,
		store:     store,
		queue:     queue,
		processor: processor,
		cfg:       cfg,
	}
}

// ReceiveResponse summarizes what happened to one accepted delivery.
type ReceiveResponse struct {
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	Retries     int    `json:"retries"`
}

func (h *WebhookHandlers) Receive(c *gin.Context) {
	body, err := h.readBody(c)
	if err != nil {
		return
	}

	accepted, rejection := h.validator.Validate(ingest.Request{
		ClientIP: c.ClientIP(),
		Platform: c.Param("platform"),
		Headers:  c.Request.Header,
		Body:     body,
	})
	if rejection != nil {
		h.logger.Ctx(c.Request.Context()).Warn("webhook rejected",
			zap.String("reason", rejection.Reason),
			zap.String("platform", c.Param("platform")),
			zap.String("client_ip", c.ClientIP()))
		c.JSON(rejection.Status, gin.H{"message": rejection.Reason})
		return
	}

	bundle, err := h.encrypter.EncryptHeaders(accepted.Headers)
	if err != nil {
		h.internalError(c, "encrypting headers", err)
		return
	}
	accepted.Event.EncryptedHeaders = bundle

	eventID, err := h.store.StoreEvent(c.Request.Context(), accepted.Event)
	if errors.Is(err, driver.ErrDuplicateDeliveryID) {
		// Upstream platforms redeliver; replay must not re-enqueue.
		resp, sumErr := h.summarize(c.Request.Context(), eventID)
		if sumErr != nil {
			h.internalError(c, "summarizing duplicate", sumErr)
			return
		}
		resp.Message = "duplicate delivery"
		c.JSON(http.StatusOK, resp)
		return
	}
	if err != nil {
		h.internalError(c, "storing event", err)
		return
	}

	if h.cfg.Async {
		if _, err := h.queue.Send(c.Request.Context(), &mqs.FanoutJob{
			EventID:    eventID,
			EventType:  accepted.Event.Type,
			DeliveryID: accepted.Event.DeliveryID,
		}); err != nil {
			h.internalError(c, "enqueueing fan-out job", err)
			return
		}
		c.JSON(http.StatusAccepted, ReceiveResponse{Message: "accepted"})
		return
	}

	if err := h.processor.ProcessEvent(c.Request.Context(), eventID); err != nil {
		h.internalError(c, "processing event", err)
		return
	}

	resp, err := h.summarize(c.Request.Context(), eventID)
	if err != nil {
		h.internalError(c, "summarizing delivery", err)
		return
	}

	status := http.StatusOK
	switch {
	case resp.Retries > 0:
		status = http.StatusAccepted
		resp.Message = "accepted, retries pending"
	case resp.Subscribers > 0 && resp.Failed == resp.Subscribers:
		status = http.StatusInternalServerError
		resp.Message = "all deliveries failed"
	default:
		resp.Message = "processed"
	}

	if h.cfg.FailedDeliveryAlerts && resp.Failed > 0 {
		h.logger.Ctx(c.Request.Context()).Error("failed deliveries",
			zap.Int64("event_id", eventID),
			zap.String("delivery_id", accepted.Event.DeliveryID),
			zap.Int("failed", resp.Failed),
			zap.Int("subscribers", resp.Subscribers))
	}

	c.JSON(status, resp)
}

func (h *WebhookHandlers) readBody(c *gin.Context) ([]byte, error) {
	reader := c.Request.Body
	if h.cfg.MaxBodyBytes > 0 {
		// One byte over the cap so the validator sees the overrun and
		// reports it consistently.
		reader = http.MaxBytesReader(c.Writer, reader, h.cfg.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": ingest.RejectPayloadTooLarge.Reason})
			return nil, err
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": ingest.RejectBadRequest.Reason})
		return nil, err
	}
	return body, nil
}

// summarize folds the attempt ledger into per-subscriber outcomes. For
// every subscriber only the latest attempt counts. A failed subscriber
// counts as failed whether or not a retry is scheduled; Retries reports
// how many of those still have one pending.
func (h *WebhookHandlers) summarize(ctx context.Context, eventID int64) (*ReceiveResponse, error) {
	attempts, err := h.store.ListAttempts(ctx, eventID)
	if err != nil {
		return nil, err
	}

	latest := make(map[int64]*models.DeliveryAttempt)
	scheduled := make(map[int64]bool)
	for _, attempt := range attempts {
		if cur, ok := latest[attempt.SubscriberID]; !ok || attempt.AttemptNumber > cur.AttemptNumber {
			latest[attempt.SubscriberID] = attempt
		}
		if attempt.NextRetryAt != nil {
			scheduled[attempt.SubscriberID] = true
		}
	}

	resp := &ReceiveResponse{Subscribers: len(latest)}
	for subscriberID, attempt := range latest {
		if attemptSucceeded(attempt) {
			resp.Successful++
			continue
		}
		resp.Failed++
		if scheduled[subscriberID] {
			resp.Retries++
		}
	}
	return resp, nil
}

func attemptSucceeded(attempt *models.DeliveryAttempt) bool {
	if attempt.ErrorMessage != nil {
		return false
	}
	return attempt.StatusCode == nil || (*attempt.StatusCode >= 200 && *attempt.StatusCode < 300)
}

func (h *WebhookHandlers) internalError(c *gin.Context, stage string, err error) {
	h.logger.Ctx(c.Request.Context()).Error("webhook handling failed",
		zap.String("stage", stage),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
}
