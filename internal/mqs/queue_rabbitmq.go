package mqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQConfig struct {
	ServerURL string
	Exchange  string
	Queue     string
}

const (
	DefaultRabbitMQExchange = "forgerelay"
	DefaultRabbitMQQueue    = "forgerelay.fanout"
)

// RabbitMQQueue adapts the queue contract to an AMQP broker. The lease maps
// onto AMQP's unacked state: a received message stays invisible until the
// consumer acks (Delete) or nacks with requeue (ChangeVisibility 0). AMQP
// has no per-message lease clock, so extending visibility is a no-op; broker
// redelivery happens on connection loss or explicit nack.
type RabbitMQQueue struct {
	config *RabbitMQConfig

	maxAttempts int

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries map[string]amqp.Delivery
	incoming   <-chan amqp.Delivery
	closed     bool
}

var _ Queue = (*RabbitMQQueue)(nil)

func NewRabbitMQQueue(cfg QueueConfig) (*RabbitMQQueue, error) {
	if cfg.RabbitMQ == nil || cfg.RabbitMQ.ServerURL == "" {
		return nil, errors.New("mqs: rabbitmq server url is not set")
	}
	rcfg := *cfg.RabbitMQ
	if rcfg.Exchange == "" {
		rcfg.Exchange = DefaultRabbitMQExchange
	}
	if rcfg.Queue == "" {
		rcfg.Queue = DefaultRabbitMQQueue
	}

	q := &RabbitMQQueue{
		config:      &rcfg,
		maxAttempts: cfg.MaxAttempts,
		deliveries:  make(map[string]amqp.Delivery),
	}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) connect() error {
	conn, err := amqp.Dial(q.config.ServerURL)
	if err != nil {
		return fmt.Errorf("mqs: rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("mqs: rabbitmq channel: %w", err)
	}
	if err := declareInfrastructure(ch, q.config); err != nil {
		conn.Close()
		return fmt.Errorf("mqs: rabbitmq declare: %w", err)
	}
	q.conn = conn
	q.ch = ch
	return nil
}

func declareInfrastructure(ch *amqp.Channel, cfg *RabbitMQConfig) error {
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return err
	}
	queue, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return err
	}
	return ch.QueueBind(queue.Name, "", cfg.Exchange, false, nil)
}

func (q *RabbitMQQueue) Send(ctx context.Context, incoming IncomingMessage, opts ...SendOption) (string, error) {
	options := &SendOptions{}
	for _, opt := range opts {
		opt(options)
	}

	msg, err := NewMessage(incoming)
	if err != nil {
		return "", err
	}
	if options.Delay > 0 {
		delayUntil := time.Now().Add(options.Delay)
		msg.DelayUntil = &delayUntil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	publish := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return ErrQueueClosed
		}
		return q.ch.PublishWithContext(ctx, q.config.Exchange, "", false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Body:         body,
		})
	}

	if options.Delay > 0 {
		// AMQP has no native per-message delay; the message loses durability
		// for the delay window if this process dies before the timer fires.
		timer := time.AfterFunc(options.Delay, func() {
			_ = publish()
		})
		_ = timer
		return msg.ID, nil
	}

	if err := publish(); err != nil {
		return "", fmt.Errorf("mqs: rabbitmq publish: %w", err)
	}
	return msg.ID, nil
}

func (q *RabbitMQQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]*Message, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 1
	}

	incoming, err := q.ensureConsumer(opts.MaxMessages)
	if err != nil {
		return nil, err
	}

	var batch []*Message
	deadline := time.After(opts.WaitTime)
	for len(batch) < opts.MaxMessages {
		select {
		case d, ok := <-incoming:
			if !ok {
				if len(batch) > 0 {
					return batch, nil
				}
				return nil, ErrQueueClosed
			}
			msg := &Message{}
			if err := json.Unmarshal(d.Body, msg); err != nil {
				_ = d.Ack(false) // drop poison message
				continue
			}
			msg.Attempts++
			msg.MaxAttempts = q.maxAttempts

			q.mu.Lock()
			q.deliveries[msg.ID] = d
			q.mu.Unlock()
			batch = append(batch, msg)
		case <-deadline:
			return batch, nil
		case <-ctx.Done():
			return batch, ctx.Err()
		}
	}
	return batch, nil
}

func (q *RabbitMQQueue) ensureConsumer(prefetch int) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if q.incoming != nil {
		return q.incoming, nil
	}
	if err := q.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("mqs: rabbitmq qos: %w", err)
	}
	incoming, err := q.ch.Consume(q.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("mqs: rabbitmq consume: %w", err)
	}
	q.incoming = incoming
	return incoming, nil
}

func (q *RabbitMQQueue) Delete(_ context.Context, messageID string) error {
	d, err := q.takeDelivery(messageID)
	if err != nil {
		return err
	}
	return d.Ack(false)
}

func (q *RabbitMQQueue) ChangeVisibility(_ context.Context, messageID string, timeout time.Duration) error {
	if timeout > 0 {
		// Unacked messages have no lease clock to extend.
		return nil
	}
	d, err := q.takeDelivery(messageID)
	if err != nil {
		return err
	}
	return d.Nack(false, true)
}

func (q *RabbitMQQueue) takeDelivery(messageID string) (amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.deliveries[messageID]
	if !ok {
		return amqp.Delivery{}, ErrMessageNotFound
	}
	delete(q.deliveries, messageID)
	return d, nil
}

func (q *RabbitMQQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Stats{}, ErrQueueClosed
	}
	queue, err := q.ch.QueueDeclarePassive(q.config.Queue, true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("mqs: rabbitmq inspect: %w", err)
	}
	return Stats{
		Approximate: queue.Messages,
		InFlight:    len(q.deliveries),
	}, nil
}

func (q *RabbitMQQueue) Purge(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	_, err := q.ch.QueuePurge(q.config.Queue, false)
	return err
}

func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.deliveries = make(map[string]amqp.Delivery)
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func (q *RabbitMQQueue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && q.conn != nil && !q.conn.IsClosed()
}

func (q *RabbitMQQueue) Kind() string {
	return KindRabbitMQ
}
