// Package rabbitmq publishes events to subscriber AMQP exchanges.
package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/transport"
)

type Config struct {
	URL        string `json:"url" validate:"required"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routingKey" validate:"required"`
}

type RabbitMQ struct {
	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

var _ transport.Provider = (*RabbitMQ)(nil)

func New() *RabbitMQ {
	return &RabbitMQ{conns: make(map[string]*connection)}
}

func (r *RabbitMQ) Kind() models.TransportKind { return models.TransportKindAMQP }

func (r *RabbitMQ) Validate(raw string) error {
	var cfg Config
	return transport.DecodeConfig(raw, &cfg)
}

func (r *RabbitMQ) Deliver(ctx context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	var cfg Config
	if err := transport.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	channel, err := r.channelFor(cfg.URL)
	if err != nil {
		return nil, transport.NewPublishError(err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	err = channel.PublishWithContext(ctx,
		cfg.Exchange,
		cfg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Headers: amqp091.Table{
				"x-forgerelay-event":    env.Event,
				"x-forgerelay-delivery": env.DeliveryID,
			},
			Body: body,
		},
	)
	if err != nil {
		// A dead channel poisons every later publish on it.
		r.drop(cfg.URL)
		return nil, transport.NewPublishError(err)
	}
	return &transport.Result{}, nil
}

func (r *RabbitMQ) channelFor(url string) (*amqp091.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[url]; ok && !c.conn.IsClosed() && !c.channel.IsClosed() {
		return c.channel, nil
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.conns[url] = &connection{conn: conn, channel: channel}
	return channel, nil
}

func (r *RabbitMQ) drop(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[url]; ok {
		c.channel.Close()
		c.conn.Close()
		delete(r.conns, url)
	}
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, c := range r.conns {
		c.channel.Close()
		c.conn.Close()
		delete(r.conns, url)
	}
	return nil
}
