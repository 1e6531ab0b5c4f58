// Package driver defines the repository contracts the core consumes.
// Storage engines implement these behind internal/store/pgstore and
// internal/store/memstore; the shared conformance suite lives in
// internal/store/drivertest.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/forgerelay/forgerelay/internal/models"
)

var (
	ErrDuplicateDeliveryID = errors.New("store: upstream delivery id already exists")
	ErrEventNotFound       = errors.New("store: event not found")
	ErrAttemptNotFound     = errors.New("store: delivery attempt not found")
	ErrSubscriberNotFound  = errors.New("store: subscriber not found")
	ErrTransportNotFound   = errors.New("store: transport not found")
	ErrInvalidTransition   = errors.New("store: invalid event status transition")
)

type EventStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// EventStore owns events and delivery attempts.
type EventStore interface {
	// StoreEvent atomically inserts a pending event and returns its id.
	// A duplicate upstream delivery id returns ErrDuplicateDeliveryID and
	// the id of the existing row.
	StoreEvent(ctx context.Context, event *models.Event) (int64, error)

	GetEvent(ctx context.Context, eventID int64) (*models.Event, error)

	// SetEventStatus is idempotent and enforces the status state machine:
	// setting the current status is a no-op, disallowed edges return
	// ErrInvalidTransition. Terminal transitions stamp processed_at.
	SetEventStatus(ctx context.Context, eventID int64, status models.EventStatus) error

	EventStats(ctx context.Context) (EventStats, error)

	// RecordAttempt appends an attempt row and returns its id.
	RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) (int64, error)

	ListAttempts(ctx context.Context, eventID int64) ([]*models.DeliveryAttempt, error)

	// ScheduleRetry sets next_retry_at on the identified attempt row.
	ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error

	// ClearRetry nulls next_retry_at on the identified attempt row.
	ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error

	// PendingRetries claims up to limit due retry tasks, ordered by due
	// time. The claim atomically clears next_retry_at so concurrent
	// pollers never receive the same row.
	PendingRetries(ctx context.Context, limit int) ([]*models.RetryTask, error)

	// ResolveEventStatus recomputes the event status across subscribers:
	// completed when every subscriber's latest attempt succeeded, the
	// current status while any retry is still scheduled, failed otherwise.
	ResolveEventStatus(ctx context.Context, eventID int64) (models.EventStatus, error)

	// FailureRate returns failed/total over events received since the
	// given time; 0 when no events were received.
	FailureRate(ctx context.Context, since time.Time) (float64, error)
}

// SubscriberStore is the read-side the delivery engine consumes. Writes are
// performed by the external management surface; they exist here so tests and
// seeds can provision data through the same contract.
type SubscriberStore interface {
	GetSubscriber(ctx context.Context, subscriberID int64) (*models.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]*models.Subscriber, error)
	GetTransportFor(ctx context.Context, subscriberID int64) (*models.Transport, error)

	CreateSubscriber(ctx context.Context, sub *models.Subscriber, transport *models.Transport) error
	DeleteSubscriber(ctx context.Context, subscriberID int64) error
}

// Store combines both repositories plus a connectivity probe for readiness.
type Store interface {
	EventStore
	SubscriberStore
	Ping(ctx context.Context) error
	Close() error
}
