package models

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// TransportKind tags a transport configuration with its adapter.
type TransportKind string

const (
	TransportKindWebhook   TransportKind = "http-webhook"
	TransportKindPubSub    TransportKind = "pubsub"
	TransportKindLogStream TransportKind = "log-stream-broker"
	TransportKindQueue     TransportKind = "cloud-queue"
	TransportKindEventBus  TransportKind = "cloud-event-bus"
	TransportKindAMQP      TransportKind = "amqp-broker"
)

func (k TransportKind) Valid() bool {
	switch k {
	case TransportKindWebhook, TransportKindPubSub, TransportKindLogStream,
		TransportKindQueue, TransportKindEventBus, TransportKindAMQP:
		return true
	}
	return false
}

// Subscriber is a downstream consumer of routed events. Subscribers are
// managed externally; the router only reads them.
type Subscriber struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	EventTypes []string `json:"events"`
}

func (s *Subscriber) Matches(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType)
}

// Transport is a subscriber's delivery endpoint. Config is an opaque JSON
// blob validated against the kind's schema; it may carry credentials and is
// treated as sensitive.
type Transport struct {
	ID           int64         `json:"id"`
	SubscriberID int64         `json:"subscriber_id"`
	Kind         TransportKind `json:"name"`
	Config       string        `json:"config"`
}

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// Terminal reports whether no further transitions are allowed from s.
// Failed events may still move to completed (a later retry succeeds) or to
// dead_letter; completed and dead_letter are immutable.
func (s EventStatus) Terminal() bool {
	return s == EventStatusCompleted || s == EventStatusDeadLetter
}

// CanTransition encodes the allowed edges of the event state machine.
func (s EventStatus) CanTransition(to EventStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case EventStatusPending:
		return to == EventStatusProcessing
	case EventStatusProcessing:
		return to == EventStatusCompleted || to == EventStatusFailed || to == EventStatusDeadLetter
	case EventStatusFailed:
		return to == EventStatusCompleted || to == EventStatusDeadLetter || to == EventStatusProcessing
	}
	return false
}

// Event is a received upstream webhook event. Payload is stored verbatim;
// headers are stored as an encrypted bundle (see internal/cipher).
type Event struct {
	ID               int64       `json:"id"`
	DeliveryID       string      `json:"upstream_delivery_id"`
	Type             string      `json:"event_type"`
	PayloadHash      string      `json:"payload_hash"`
	PayloadSize      int64       `json:"payload_size"`
	Payload          []byte      `json:"payload_data"`
	EncryptedHeaders string      `json:"headers_data"`
	ReceivedAt       time.Time   `json:"received_at"`
	ProcessedAt      *time.Time  `json:"processed_at,omitempty"`
	Status           EventStatus `json:"status"`
}

// HashPayload returns the hex-encoded SHA-256 of the raw payload bytes.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DeliveryAttempt records one delivery try for an (event, subscriber) pair.
// Rows are append-only except NextRetryAt, which holds the scheduled next
// attempt and transitions null -> timestamp -> null.
type DeliveryAttempt struct {
	ID            int64      `json:"id"`
	EventID       int64      `json:"event_id"`
	SubscriberID  int64      `json:"subscriber_id"`
	AttemptNumber int        `json:"attempt_number"`
	StatusCode    *int       `json:"status_code,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	AttemptedAt   time.Time  `json:"attempted_at"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// RetryTask is the claimed join of a due attempt row with its event. It
// carries enough state to re-execute delivery without another event lookup.
type RetryTask struct {
	AttemptID        int64     `json:"attempt_id"`
	EventID          int64     `json:"event_id"`
	SubscriberID     int64     `json:"subscriber_id"`
	NextAttempt      int       `json:"next_attempt"`
	EventType        string    `json:"event_type"`
	DeliveryID       string    `json:"upstream_delivery_id"`
	Payload          []byte    `json:"payload_data"`
	EncryptedHeaders string    `json:"headers_data"`
	DueAt            time.Time `json:"due_at"`
}
