// Package consumer pulls messages off a queue and feeds them to a
// handler with bounded concurrency.
package consumer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/mqs"
)

type Consumer interface {
	Run(context.Context) error
}

type MessageHandler interface {
	Handle(context.Context, *mqs.Message) error
}

type consumerImplOptions struct {
	name        string
	concurrency int
	batchSize   int
	waitTime    time.Duration
	maxAttempts int
	logger      *logging.Logger
	// retryable reports whether a handler error should put the message
	// back on the queue. Non-retryable errors are settled elsewhere and
	// the message is deleted.
	retryable func(error) bool
	// onAbandon runs before a failing message is dropped for good, so
	// the work it carries can be dead-lettered.
	onAbandon func(context.Context, *mqs.Message) error
}

func WithName(name string) func(*consumerImplOptions) {
	return func(c *consumerImplOptions) {
		c.name = name
	}
}

func WithConcurrency(concurrency int) func(*consumerImplOptions) {
	return func(c *consumerImplOptions) {
		c.concurrency = concurrency
	}
}

func WithBatchSize(n int) func(*consumerImplOptions) {
	return func(c *consumerImplOptions) {
		c.batchSize = n
	}
}

func WithMaxAttempts(n int) func(*consumerImplOptions) {
	return func(c *consumerImplOptions) {
		c.maxAttempts = n
	}
}

func WithLogger(logger *logging.Logger) func(*consumerImplOptions) {
	return func(c *consumerImplOptions) {
		c.logger = logger
	}
}

func WithRetryable(fn func(error) bool) func(*consumerImplOptions) {
	return func(c *consumerImplOptions) {
		c.retryable = fn
	}
}

func WithOnAbandon(fn func(context.Context, *mqs.Message) error) func(*consumerImplOptions) {
	return func(c *consumerImplOptions) {
		c.onAbandon = fn
	}
}

func New(queue mqs.Queue, handler MessageHandler, opts ...func(*consumerImplOptions)) Consumer {
	options := &consumerImplOptions{
		concurrency: 1,
		batchSize:   10,
		waitTime:    time.Second,
		maxAttempts: 5,
		retryable:   func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(options)
	}
	return &consumerImpl{
		queue:               queue,
		handler:             handler,
		consumerImplOptions: *options,
	}
}

type consumerImpl struct {
	consumerImplOptions
	queue   mqs.Queue
	handler MessageHandler
}

var _ Consumer = &consumerImpl{}

func (c *consumerImpl) Run(ctx context.Context) error {
	tracer := otel.GetTracerProvider().Tracer("github.com/forgerelay/forgerelay/internal/consumer")

	var receiveErr error

	sem := make(chan struct{}, c.concurrency)
recvLoop:
	for {
		msgs, err := c.queue.Receive(ctx, mqs.ReceiveOptions{
			MaxMessages: c.batchSize,
			WaitTime:    c.waitTime,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break recvLoop
			}
			receiveErr = err
			break recvLoop
		}

		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Never received a lease extension; it comes back after
				// the visibility timeout.
				break recvLoop
			}

			msg := msg
			go func() {
				defer func() { <-sem }()

				// In-flight messages finish even during shutdown; the
				// lease has been taken.
				handlerCtx, span := tracer.Start(context.WithoutCancel(ctx), c.actionWithName("Consumer.Handle"))
				defer span.End()

				c.settle(handlerCtx, msg, c.handler.Handle(handlerCtx, msg))
			}()
		}
	}

	// Wait for in-flight handlers by fully acquiring the semaphore.
	for n := 0; n < c.concurrency; n++ {
		sem <- struct{}{}
	}

	return receiveErr
}

func (c *consumerImpl) settle(ctx context.Context, msg *mqs.Message, err error) {
	if err == nil {
		if delErr := c.queue.Delete(ctx, msg.ID); delErr != nil {
			c.logError(ctx, "failed to delete message", delErr, msg)
		}
		return
	}
	c.logError(ctx, "consumer handler error", err, msg)

	if c.retryable(err) && msg.Attempts < c.maxAttempts {
		// Release the lease so another worker picks it up immediately.
		if visErr := c.queue.ChangeVisibility(ctx, msg.ID, 0); visErr != nil {
			c.logError(ctx, "failed to release message", visErr, msg)
		}
		return
	}

	// Poison or settled-elsewhere message. Let the handler's owner
	// dead-letter the work before the message disappears.
	if c.onAbandon != nil {
		if abErr := c.onAbandon(ctx, msg); abErr != nil {
			c.logError(ctx, "failed to abandon message", abErr, msg)
		}
	}
	if delErr := c.queue.Delete(ctx, msg.ID); delErr != nil {
		c.logError(ctx, "failed to delete message", delErr, msg)
	}
}

func (c *consumerImpl) logError(ctx context.Context, what string, err error, msg *mqs.Message) {
	if c.logger == nil {
		return
	}
	c.logger.Ctx(ctx).Error(what,
		zap.String("name", c.name),
		zap.String("message_id", msg.ID),
		zap.Int("attempts", msg.Attempts),
		zap.Error(err))
}

func (c *consumerImpl) actionWithName(action string) string {
	if c.name == "" {
		return action
	}
	return c.name + "." + action
}
