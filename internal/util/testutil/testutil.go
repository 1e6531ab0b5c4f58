// Package testutil provides randomized fixtures for tests.
package testutil

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/forgerelay/forgerelay/internal/models"
)

var eventTypes = []string{"push", "pull_request", "issues", "release", "deployment"}

// RandomEventType picks one of the well-known upstream event types.
func RandomEventType() string {
	return eventTypes[gofakeit.Number(0, len(eventTypes)-1)]
}

// RandomEvent builds a stored-shape event with a unique delivery id.
func RandomEvent() *models.Event {
	payload := []byte(fmt.Sprintf(`{"ref":"refs/heads/%s","sender":%q}`,
		gofakeit.Word(), gofakeit.Username()))
	return &models.Event{
		DeliveryID:  gofakeit.UUID(),
		Type:        RandomEventType(),
		Payload:     payload,
		PayloadHash: models.HashPayload(payload),
		PayloadSize: int64(len(payload)),
		ReceivedAt:  time.Now().UTC(),
	}
}

// RandomSubscriber builds a subscriber listening for the given event
// types, or a random one when none are given.
func RandomSubscriber(types ...string) *models.Subscriber {
	if len(types) == 0 {
		types = []string{RandomEventType()}
	}
	return &models.Subscriber{
		Name:       gofakeit.AppName(),
		EventTypes: types,
	}
}

// RandomWebhookTransport builds an endpoint config for a subscriber.
func RandomWebhookTransport() *models.Transport {
	config := fmt.Sprintf(`{"url":"https://%s/hooks","secret":%q}`,
		gofakeit.DomainName(), gofakeit.Password(true, true, true, false, false, 32))
	return &models.Transport{
		Kind:   models.TransportKindWebhook,
		Config: config,
	}
}
