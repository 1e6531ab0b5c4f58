// Package kafka publishes events to subscriber Kafka topics. Messages
// are keyed by delivery id so redeliveries of one event stay ordered
// within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/transport"
)

type Config struct {
	Brokers []string `json:"brokers" validate:"required,min=1,dive,required"`
	Topic   string   `json:"topic" validate:"required"`
}

type Kafka struct {
	mu      sync.Mutex
	writers map[string]*kafkago.Writer
}

var _ transport.Provider = (*Kafka)(nil)

func New() *Kafka {
	return &Kafka{writers: make(map[string]*kafkago.Writer)}
}

func (k *Kafka) Kind() models.TransportKind { return models.TransportKindLogStream }

func (k *Kafka) Validate(raw string) error {
	var cfg Config
	return transport.DecodeConfig(raw, &cfg)
}

func (k *Kafka) Deliver(ctx context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	var cfg Config
	if err := transport.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	writer := k.writerFor(cfg)
	err = writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(env.DeliveryID),
		Value: body,
		Headers: []kafkago.Header{
			{Key: "event", Value: []byte(env.Event)},
		},
	})
	if err != nil {
		return nil, transport.NewPublishError(err)
	}
	return &transport.Result{}, nil
}

func (k *Kafka) writerFor(cfg Config) *kafkago.Writer {
	key := strings.Join(cfg.Brokers, ",") + "|" + cfg.Topic

	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[key]; ok {
		return w
	}
	w := &kafkago.Writer{
		Addr:     kafkago.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafkago.Hash{},
	}
	k.writers[key] = w
	return w
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var firstErr error
	for key, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(k.writers, key)
	}
	return firstErr
}
