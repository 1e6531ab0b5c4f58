package mqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMessageNotFound = errors.New("mqs: message not found")
	ErrQueueClosed     = errors.New("mqs: queue is closed")
)

// Message is the queue envelope. The broker owns a message between Send and
// Delete; Attempts counts how many times it has been received.
type Message struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	DelayUntil  *time.Time      `json:"delayUntil"`
	MaxAttempts int             `json:"-"`
}

// IncomingMessage is anything that can ride the queue as envelope data.
type IncomingMessage interface {
	ToPayload() ([]byte, error)
	FromPayload(data []byte) error
}

// NewMessage wraps a payload in a fresh envelope.
func NewMessage(incoming IncomingMessage) (*Message, error) {
	data, err := incoming.ToPayload()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.New().String(),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

type SendOptions struct {
	Delay time.Duration
}

type SendOption func(*SendOptions)

// WithDelay hides the message until the delay elapses.
func WithDelay(d time.Duration) SendOption {
	return func(o *SendOptions) {
		o.Delay = d
	}
}

type ReceiveOptions struct {
	MaxMessages int
	WaitTime    time.Duration
}

type Stats struct {
	Approximate int `json:"approximate"`
	InFlight    int `json:"inFlight"`
	Delayed     int `json:"delayed"`
}

// Queue is the durable boundary between ingest and the delivery workers.
// Semantics are at-least-once: a received message is leased for the
// visibility timeout and becomes receivable again if not deleted in time.
type Queue interface {
	Send(ctx context.Context, incoming IncomingMessage, opts ...SendOption) (string, error)
	Receive(ctx context.Context, opts ReceiveOptions) ([]*Message, error)
	Delete(ctx context.Context, messageID string) error
	ChangeVisibility(ctx context.Context, messageID string, timeout time.Duration) error
	Stats(ctx context.Context) (Stats, error)
	Purge(ctx context.Context) error
	Close() error
	IsConnected() bool
	Kind() string
}

// QueueConfig selects and parameterizes an adapter. RetentionPeriod
// drops messages older than it; adapters whose broker manages retention
// server-side ignore it.
type QueueConfig struct {
	Kind              string
	VisibilityTimeout time.Duration
	RetentionPeriod   time.Duration
	MaxAttempts       int

	SQS      *SQSConfig
	RabbitMQ *RabbitMQConfig
}

const (
	KindMemory   = "memory"
	KindSQS      = "sqs"
	KindRabbitMQ = "rabbitmq"
)

// New maps a config tag to a queue adapter.
func New(ctx context.Context, cfg QueueConfig) (Queue, error) {
	switch cfg.Kind {
	case KindMemory, "":
		return NewMemoryQueue(cfg), nil
	case KindSQS:
		return NewSQSQueue(ctx, cfg)
	case KindRabbitMQ:
		return NewRabbitMQQueue(cfg)
	default:
		return nil, fmt.Errorf("mqs: unknown queue kind %q", cfg.Kind)
	}
}

// FanoutJob is the message ingested events ride to the delivery workers.
type FanoutJob struct {
	EventID    int64  `json:"eventId"`
	EventType  string `json:"eventType"`
	DeliveryID string `json:"deliveryId"`
}

var _ IncomingMessage = (*FanoutJob)(nil)

func (j *FanoutJob) ToPayload() ([]byte, error) {
	return json.Marshal(j)
}

func (j *FanoutJob) FromPayload(data []byte) error {
	return json.Unmarshal(data, j)
}
