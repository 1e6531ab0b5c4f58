// Package gcppubsub publishes events to subscriber Pub/Sub topics.
package gcppubsub

import (
	"context"
	"encoding/json"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/transport"
)

type Config struct {
	ProjectID string `json:"projectId" validate:"required"`
	Topic     string `json:"topic" validate:"required"`
}

type PubSub struct {
	mu      sync.Mutex
	clients map[string]*pubsub.Client
}

var _ transport.Provider = (*PubSub)(nil)

func New() *PubSub {
	return &PubSub{clients: make(map[string]*pubsub.Client)}
}

func (p *PubSub) Kind() models.TransportKind { return models.TransportKindPubSub }

func (p *PubSub) Validate(raw string) error {
	var cfg Config
	return transport.DecodeConfig(raw, &cfg)
}

func (p *PubSub) Deliver(ctx context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	var cfg Config
	if err := transport.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	client, err := p.clientFor(ctx, cfg.ProjectID)
	if err != nil {
		return nil, transport.NewPublishError(err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	topic := client.Topic(cfg.Topic)
	result := topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"event":      env.Event,
			"deliveryId": env.DeliveryID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return nil, transport.NewPublishError(err)
	}
	return &transport.Result{}, nil
}

func (p *PubSub) clientFor(ctx context.Context, projectID string) (*pubsub.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[projectID]; ok {
		return client, nil
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p.clients[projectID] = client
	return client, nil
}

func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, client := range p.clients {
		client.Close()
		delete(p.clients, id)
	}
	return nil
}
