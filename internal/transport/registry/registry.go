// Package registry maps transport kinds to their providers. Providers
// hold connections (AMQP channels, kafka writers), so each kind is
// built once and shared.
package registry

import (
	"errors"
	"sync"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/transport"
	"github.com/forgerelay/forgerelay/internal/transport/gcppubsub"
	"github.com/forgerelay/forgerelay/internal/transport/kafka"
	"github.com/forgerelay/forgerelay/internal/transport/kinesis"
	"github.com/forgerelay/forgerelay/internal/transport/rabbitmq"
	"github.com/forgerelay/forgerelay/internal/transport/sqs"
	"github.com/forgerelay/forgerelay/internal/transport/webhook"
)

var ErrUnknownKind = errors.New("unknown transport kind")

type Options struct {
	// UserAgent is sent on outbound webhook requests.
	UserAgent string
	// AllowInsecureWebhooks permits plain-http subscriber URLs. Meant
	// for local development only.
	AllowInsecureWebhooks bool
}

type Registry struct {
	mu        sync.Mutex
	providers map[models.TransportKind]transport.Provider
	opts      Options
}

func New(opts Options) *Registry {
	return &Registry{
		providers: make(map[models.TransportKind]transport.Provider),
		opts:      opts,
	}
}

func (r *Registry) Provider(kind models.TransportKind) (transport.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[kind]; ok {
		return p, nil
	}

	p, err := r.build(kind)
	if err != nil {
		return nil, err
	}
	r.providers[kind] = p
	return p, nil
}

func (r *Registry) build(kind models.TransportKind) (transport.Provider, error) {
	switch kind {
	case models.TransportKindWebhook:
		return webhook.New(webhook.Options{
			UserAgent:     r.opts.UserAgent,
			AllowInsecure: r.opts.AllowInsecureWebhooks,
		}), nil
	case models.TransportKindPubSub:
		return gcppubsub.New(), nil
	case models.TransportKindLogStream:
		return kafka.New(), nil
	case models.TransportKindQueue:
		return sqs.New(), nil
	case models.TransportKindEventBus:
		return kinesis.New(), nil
	case models.TransportKindAMQP:
		return rabbitmq.New(), nil
	default:
		return nil, ErrUnknownKind
	}
}

// Close shuts down every provider that was built.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for kind, p := range r.providers {
		if closer, ok := p.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(r.providers, kind)
	}
	return errors.Join(errs...)
}
