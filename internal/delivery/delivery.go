// Package delivery fans events out to their subscribers and runs retry
// attempts. It owns the attempt ledger: every try, first or retried,
// lands in the store before the outcome is acted on.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/retry"
	"github.com/forgerelay/forgerelay/internal/store/driver"
	"github.com/forgerelay/forgerelay/internal/transport"
)

// Error types to distinguish between stages of delivery. The consumer
// releases the message back to the queue only for pre-delivery errors;
// everything after the first attempt is settled through the store.
type PreDeliveryError struct {
	err error
}

func (e *PreDeliveryError) Error() string {
	return fmt.Sprintf("pre-delivery error: %v", e.err)
}

func (e *PreDeliveryError) Unwrap() error { return e.err }

type AttemptError struct {
	err error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("attempt error: %v", e.err)
}

func (e *AttemptError) Unwrap() error { return e.err }

type PostDeliveryError struct {
	err error
}

func (e *PostDeliveryError) Error() string {
	return fmt.Sprintf("post-delivery error: %v", e.err)
}

func (e *PostDeliveryError) Unwrap() error { return e.err }

// ProviderSource resolves a transport kind to its provider.
type ProviderSource interface {
	Provider(kind models.TransportKind) (transport.Provider, error)
}

// HeaderDecrypter recovers the recorded upstream headers for an event.
type HeaderDecrypter interface {
	DecryptHeaders(bundle string) (map[string]string, error)
}

type Engine struct {
	logger      *logging.Logger
	store       driver.Store
	providers   ProviderSource
	decrypter   HeaderDecrypter
	policy      *retry.Policy
	concurrency int
	timeoutFor  func(models.TransportKind) time.Duration
}

type EngineOption func(*Engine)

// WithTimeouts bounds each delivery attempt by a per-transport timeout.
// A zero duration leaves the attempt bounded only by the adapter.
func WithTimeouts(fn func(models.TransportKind) time.Duration) EngineOption {
	return func(e *Engine) { e.timeoutFor = fn }
}

func NewEngine(
	logger *logging.Logger,
	store driver.Store,
	providers ProviderSource,
	decrypter HeaderDecrypter,
	policy *retry.Policy,
	concurrency int,
	opts ...EngineOption,
) *Engine {
	if concurrency <= 0 {
		concurrency = 10
	}
	e := &Engine{
		logger:      logger,
		store:       store,
		providers:   providers,
		decrypter:   decrypter,
		policy:      policy,
		concurrency: concurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle consumes one fan-out job from the queue.
func (e *Engine) Handle(ctx context.Context, msg *mqs.Message) error {
	var job mqs.FanoutJob
	if err := job.FromPayload(msg.Data); err != nil {
		return &PreDeliveryError{err: err}
	}
	return e.ProcessEvent(ctx, job.EventID)
}

// ProcessEvent delivers an event to every matching subscriber. Each
// subscriber gets its own attempt row; failures schedule their own
// retries and never block the others.
func (e *Engine) ProcessEvent(ctx context.Context, eventID int64) error {
	event, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return &PreDeliveryError{err: err}
	}
	if event.Status.Terminal() {
		e.logger.Ctx(ctx).Info("skipping settled event",
			zap.Int64("event_id", event.ID),
			zap.String("status", string(event.Status)))
		return nil
	}

	if err := e.store.SetEventStatus(ctx, event.ID, models.EventStatusProcessing); err != nil {
		return &PreDeliveryError{err: err}
	}

	headers, err := e.headersFor(event)
	if err != nil {
		return &PreDeliveryError{err: err}
	}

	subscribers, err := e.store.ListSubscribers(ctx)
	if err != nil {
		return &PreDeliveryError{err: err}
	}

	var matched []*models.Subscriber
	for _, sub := range subscribers {
		if sub.Matches(event.Type) {
			matched = append(matched, sub)
		}
	}

	e.logger.Ctx(ctx).Info("processing event",
		zap.Int64("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("delivery_id", event.DeliveryID),
		zap.Int("subscribers", len(matched)))

	if len(matched) == 0 {
		// Nothing to deliver to counts as done.
		if err := e.store.SetEventStatus(ctx, event.ID, models.EventStatusCompleted); err != nil {
			return &PostDeliveryError{err: err}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, sub := range matched {
		sub := sub
		g.Go(func() error {
			if err := e.deliverTo(gctx, event, sub, 1, headers); err != nil {
				// Attempt failures are settled through the store; they
				// must not cancel sibling deliveries.
				var attemptErr *AttemptError
				if errors.As(err, &attemptErr) {
					return nil
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &PostDeliveryError{err: err}
	}

	return e.finalize(ctx, event.ID)
}

// ProcessRetry runs one claimed retry attempt.
func (e *Engine) ProcessRetry(ctx context.Context, task *models.RetryTask) error {
	event, err := e.store.GetEvent(ctx, task.EventID)
	if err != nil {
		return &PreDeliveryError{err: err}
	}

	sub, err := e.store.GetSubscriber(ctx, task.SubscriberID)
	if err != nil {
		if errors.Is(err, driver.ErrSubscriberNotFound) {
			// Subscriber removed since the retry was scheduled.
			e.logger.Ctx(ctx).Info("dropping retry for removed subscriber",
				zap.Int64("event_id", task.EventID),
				zap.Int64("subscriber_id", task.SubscriberID))
			return e.finalize(ctx, task.EventID)
		}
		return &PreDeliveryError{err: err}
	}

	if err := e.store.SetEventStatus(ctx, event.ID, models.EventStatusProcessing); err != nil && !errors.Is(err, driver.ErrInvalidTransition) {
		return &PreDeliveryError{err: err}
	}

	headers, err := e.headersFor(event)
	if err != nil {
		return &PreDeliveryError{err: err}
	}

	e.logger.Ctx(ctx).Info("processing retry",
		zap.Int64("event_id", event.ID),
		zap.Int64("subscriber_id", sub.ID),
		zap.Int("attempt", task.NextAttempt))

	if err := e.deliverTo(ctx, event, sub, task.NextAttempt, headers); err != nil {
		var attemptErr *AttemptError
		if !errors.As(err, &attemptErr) {
			return err
		}
	}
	return e.finalize(ctx, event.ID)
}

func (e *Engine) headersFor(event *models.Event) (map[string]string, error) {
	if event.EncryptedHeaders == "" {
		return nil, nil
	}
	return e.decrypter.DecryptHeaders(event.EncryptedHeaders)
}

func (e *Engine) deliverTo(ctx context.Context, event *models.Event, sub *models.Subscriber, attemptNumber int, headers map[string]string) error {
	tr, err := e.store.GetTransportFor(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, driver.ErrTransportNotFound) {
			// A subscriber without a transport is a configuration problem,
			// not a store outage. It fails this subscriber only.
			return e.failAttempt(ctx, event, sub, attemptNumber, err)
		}
		return &PreDeliveryError{err: err}
	}
	provider, err := e.providers.Provider(tr.Kind)
	if err != nil {
		return e.failAttempt(ctx, event, sub, attemptNumber, err)
	}

	env := &transport.Envelope{
		Event:      event.Type,
		Payload:    json.RawMessage(event.Payload),
		Headers:    headers,
		DeliveryID: event.DeliveryID,
		Timestamp:  event.ReceivedAt,
	}

	deliverCtx := ctx
	if e.timeoutFor != nil {
		if timeout := e.timeoutFor(tr.Kind); timeout > 0 {
			var cancel context.CancelFunc
			deliverCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	start := time.Now()
	result, deliverErr := provider.Deliver(deliverCtx, tr.Config, env)
	duration := time.Since(start).Milliseconds()

	attempt := &models.DeliveryAttempt{
		EventID:       event.ID,
		SubscriberID:  sub.ID,
		AttemptNumber: attemptNumber,
		DurationMS:    &duration,
	}
	if result != nil {
		attempt.StatusCode = result.StatusCode
	}
	if deliverErr != nil {
		msg := deliverErr.Error()
		attempt.ErrorMessage = &msg
	}
	if _, err := e.store.RecordAttempt(ctx, attempt); err != nil {
		return &PostDeliveryError{err: err}
	}

	if deliverErr == nil {
		e.logger.Ctx(ctx).Info("event delivered",
			zap.Int64("event_id", event.ID),
			zap.Int64("subscriber_id", sub.ID),
			zap.String("transport", string(tr.Kind)),
			zap.Int("attempt", attemptNumber),
			zap.Int64("duration_ms", duration))
		return nil
	}

	e.logger.Ctx(ctx).Error("delivery attempt failed",
		zap.Error(deliverErr),
		zap.Int64("event_id", event.ID),
		zap.Int64("subscriber_id", sub.ID),
		zap.String("transport", string(tr.Kind)),
		zap.Int("attempt", attemptNumber))

	// Only receiver-side failures earn a retry. A config or marshalling
	// problem on our side fails the same way every time; its attempt
	// stays final.
	var pubErr *transport.PublishError
	if errors.As(deliverErr, &pubErr) && e.policy.ShouldRetry(attemptNumber, attempt.StatusCode) {
		when := e.policy.NextAt(attemptNumber, time.Now())
		if err := e.store.ScheduleRetry(ctx, event.ID, sub.ID, attemptNumber, when); err != nil {
			return &PostDeliveryError{err: errors.Join(deliverErr, err)}
		}
		e.logger.Ctx(ctx).Info("retry scheduled",
			zap.Int64("event_id", event.ID),
			zap.Int64("subscriber_id", sub.ID),
			zap.Int("attempt", attemptNumber),
			zap.Time("next_retry_at", when))
	}
	return &AttemptError{err: deliverErr}
}

// failAttempt records a delivery that never reached a provider, such as
// a missing transport row or an unregistered kind. No retry is
// scheduled; the failure is permanent until the subscriber is fixed.
func (e *Engine) failAttempt(ctx context.Context, event *models.Event, sub *models.Subscriber, attemptNumber int, cause error) error {
	msg := cause.Error()
	attempt := &models.DeliveryAttempt{
		EventID:       event.ID,
		SubscriberID:  sub.ID,
		AttemptNumber: attemptNumber,
		ErrorMessage:  &msg,
	}
	if _, err := e.store.RecordAttempt(ctx, attempt); err != nil {
		return &PostDeliveryError{err: errors.Join(cause, err)}
	}
	e.logger.Ctx(ctx).Error("subscriber is undeliverable",
		zap.Error(cause),
		zap.Int64("event_id", event.ID),
		zap.Int64("subscriber_id", sub.ID),
		zap.Int("attempt", attemptNumber))
	return &AttemptError{err: cause}
}

// Abandon dead-letters the event behind a fan-out message the consumer
// is about to drop. Settled events are left alone.
func (e *Engine) Abandon(ctx context.Context, msg *mqs.Message) error {
	var job mqs.FanoutJob
	if err := job.FromPayload(msg.Data); err != nil {
		return err
	}
	event, err := e.store.GetEvent(ctx, job.EventID)
	if err != nil {
		return err
	}
	if event.Status.Terminal() {
		return nil
	}
	if err := e.store.SetEventStatus(ctx, event.ID, models.EventStatusProcessing); err != nil && !errors.Is(err, driver.ErrInvalidTransition) {
		return err
	}
	if err := e.store.SetEventStatus(ctx, event.ID, models.EventStatusDeadLetter); err != nil {
		return err
	}
	e.logger.Ctx(ctx).Warn("event dead-lettered after queue budget spent",
		zap.Int64("event_id", event.ID),
		zap.String("delivery_id", job.DeliveryID),
		zap.Int("message_attempts", msg.Attempts))
	return nil
}

// finalize settles the event-level status from the attempt ledger.
func (e *Engine) finalize(ctx context.Context, eventID int64) error {
	status, err := e.store.ResolveEventStatus(ctx, eventID)
	if err != nil {
		return &PostDeliveryError{err: err}
	}

	// Resolution returns the current status while a retry is still
	// scheduled; the event sits at failed until that retry settles it.
	if status == models.EventStatusProcessing {
		status = models.EventStatusFailed
	}

	if status == models.EventStatusFailed {
		exhausted, err := e.retriesExhausted(ctx, eventID)
		if err != nil {
			return &PostDeliveryError{err: err}
		}
		if exhausted {
			status = models.EventStatusDeadLetter
		}
	}

	if err := e.store.SetEventStatus(ctx, eventID, status); err != nil && !errors.Is(err, driver.ErrInvalidTransition) {
		return &PostDeliveryError{err: err}
	}
	if status == models.EventStatusDeadLetter {
		e.logger.Ctx(ctx).Warn("event dead-lettered",
			zap.Int64("event_id", eventID),
			zap.Int("max_attempts", e.policy.MaxAttempts))
	}
	return nil
}

// retriesExhausted reports whether every failed subscriber has used up
// its attempt budget. A permanent rejection below the budget keeps the
// event at failed rather than dead_letter.
func (e *Engine) retriesExhausted(ctx context.Context, eventID int64) (bool, error) {
	attempts, err := e.store.ListAttempts(ctx, eventID)
	if err != nil {
		return false, err
	}

	latest := make(map[int64]*models.DeliveryAttempt)
	for _, attempt := range attempts {
		if cur, ok := latest[attempt.SubscriberID]; !ok || attempt.AttemptNumber > cur.AttemptNumber {
			latest[attempt.SubscriberID] = attempt
		}
	}

	sawFailure := false
	for _, attempt := range latest {
		if attempt.ErrorMessage == nil && (attempt.StatusCode == nil || (*attempt.StatusCode >= 200 && *attempt.StatusCode < 300)) {
			continue
		}
		sawFailure = true
		if attempt.AttemptNumber < e.policy.MaxAttempts {
			return false, nil
		}
	}
	return sawFailure, nil
}
