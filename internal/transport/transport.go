// Package transport defines the delivery contract between the fan-out
// engine and the systems subscribers receive events on. Each provider
// owns one transport kind; the registry maps a subscriber's configured
// kind to its provider.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/forgerelay/forgerelay/internal/models"
)

// Envelope is the canonical message every non-HTTP transport publishes.
// The HTTP webhook transport forwards the raw payload instead and moves
// the metadata into headers.
type Envelope struct {
	Event      string            `json:"event"`
	Payload    json.RawMessage   `json:"payload"`
	Headers    map[string]string `json:"headers,omitempty"`
	DeliveryID string            `json:"deliveryId"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Result carries what the receiving side reported. StatusCode is nil
// for broker transports that have no HTTP-shaped response.
type Result struct {
	StatusCode *int
}

type Provider interface {
	Kind() models.TransportKind
	// Validate checks a raw JSON config without touching the network.
	Validate(raw string) error
	// Deliver publishes one envelope. A non-nil error means the attempt
	// failed; Result may still carry the status code that failed it.
	Deliver(ctx context.Context, raw string, env *Envelope) (*Result, error)
}

// PublishError marks a failure talking to the receiving system, as
// opposed to a config or marshalling problem on our side.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func NewPublishError(err error) *PublishError {
	return &PublishError{Err: err}
}

var validate = validator.New()

// DecodeConfig unmarshals a transport config and checks its validate
// tags. Providers call this from both Validate and Deliver.
func DecodeConfig(raw string, target any) error {
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}
	return nil
}
