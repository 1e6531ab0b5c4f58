// Package drivertest provides a conformance suite run against every store
// implementation. New drivers register here instead of duplicating tests.
package drivertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/store/driver"
)

// Harness constructs a fresh, empty store for each subtest.
type Harness interface {
	MakeStore(t *testing.T) driver.Store
}

func RunConformanceTests(t *testing.T, h Harness) {
	t.Run("StoreEvent", func(t *testing.T) { testStoreEvent(t, h) })
	t.Run("DuplicateDeliveryID", func(t *testing.T) { testDuplicateDeliveryID(t, h) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, h) })
	t.Run("Attempts", func(t *testing.T) { testAttempts(t, h) })
	t.Run("ScheduleAndClaimRetry", func(t *testing.T) { testScheduleAndClaimRetry(t, h) })
	t.Run("SingleScheduledRetry", func(t *testing.T) { testSingleScheduledRetry(t, h) })
	t.Run("ScheduleRetryUnknownAttempt", func(t *testing.T) { testScheduleRetryUnknownAttempt(t, h) })
	t.Run("ResolveEventStatus", func(t *testing.T) { testResolveEventStatus(t, h) })
	t.Run("Subscribers", func(t *testing.T) { testSubscribers(t, h) })
	t.Run("FailureRate", func(t *testing.T) { testFailureRate(t, h) })
}

func seedEvent(t *testing.T, s driver.Store, deliveryID string) int64 {
	t.Helper()
	id, err := s.StoreEvent(context.Background(), &models.Event{
		DeliveryID:  deliveryID,
		Type:        "push",
		Payload:     []byte(`{"ref":"refs/heads/main"}`),
		PayloadHash: models.HashPayload([]byte(`{"ref":"refs/heads/main"}`)),
		PayloadSize: 25,
	})
	require.NoError(t, err)
	return id
}

func seedSubscriber(t *testing.T, s driver.Store, name string) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{Name: name, EventTypes: []string{"push", "tag"}}
	transport := &models.Transport{
		Kind:   models.TransportKindWebhook,
		Config: `{"url":"https://ci.internal/hook","secret":"s3cret"}`,
	}
	require.NoError(t, s.CreateSubscriber(context.Background(), sub, transport))
	return sub
}

func testStoreEvent(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()

	id := seedEvent(t, s, "d-1")
	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "d-1", event.DeliveryID)
	assert.Equal(t, models.EventStatusPending, event.Status)
	assert.False(t, event.ReceivedAt.IsZero())

	_, err = s.GetEvent(ctx, id+100)
	assert.ErrorIs(t, err, driver.ErrEventNotFound)
}

func testDuplicateDeliveryID(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()

	first := seedEvent(t, s, "dup-1")
	second, err := s.StoreEvent(ctx, &models.Event{DeliveryID: "dup-1", Type: "push", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, driver.ErrDuplicateDeliveryID)
	assert.Equal(t, first, second, "duplicate must return the existing event id")
}

func testStatusTransitions(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()
	id := seedEvent(t, s, "st-1")

	require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusProcessing))
	require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusFailed))

	// failed is recoverable
	require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusCompleted))

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
	require.NotNil(t, event.ProcessedAt)

	// completed is terminal
	err = s.SetEventStatus(ctx, id, models.EventStatusProcessing)
	assert.ErrorIs(t, err, driver.ErrInvalidTransition)

	// setting the same status twice is a no-op
	assert.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusCompleted))
}

func testAttempts(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()
	id := seedEvent(t, s, "at-1")
	sub := seedSubscriber(t, s, "ci")

	code := 503
	msg := "service unavailable"
	attemptID, err := s.RecordAttempt(ctx, &models.DeliveryAttempt{
		EventID:       id,
		SubscriberID:  sub.ID,
		AttemptNumber: 1,
		StatusCode:    &code,
		ErrorMessage:  &msg,
	})
	require.NoError(t, err)
	assert.NotZero(t, attemptID)

	ok := 200
	_, err = s.RecordAttempt(ctx, &models.DeliveryAttempt{
		EventID:       id,
		SubscriberID:  sub.ID,
		AttemptNumber: 2,
		StatusCode:    &ok,
	})
	require.NoError(t, err)

	attempts, err := s.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.False(t, attempts[0].AttemptedAt.IsZero())

	_, err = s.RecordAttempt(ctx, &models.DeliveryAttempt{EventID: id + 100, SubscriberID: sub.ID, AttemptNumber: 1})
	assert.ErrorIs(t, err, driver.ErrEventNotFound)
}

func testScheduleAndClaimRetry(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()
	id := seedEvent(t, s, "rt-1")
	sub := seedSubscriber(t, s, "ci")

	code := 500
	_, err := s.RecordAttempt(ctx, &models.DeliveryAttempt{
		EventID: id, SubscriberID: sub.ID, AttemptNumber: 1, StatusCode: &code,
	})
	require.NoError(t, err)

	require.NoError(t, s.ScheduleRetry(ctx, id, sub.ID, 1, time.Now().Add(-time.Second)))

	tasks, err := s.PendingRetries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, id, task.EventID)
	assert.Equal(t, sub.ID, task.SubscriberID)
	assert.Equal(t, 2, task.NextAttempt)
	assert.Equal(t, "rt-1", task.DeliveryID)
	assert.NotEmpty(t, task.Payload)

	// The claim cleared next_retry_at; a second poll sees nothing.
	tasks, err = s.PendingRetries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func testSingleScheduledRetry(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()
	id := seedEvent(t, s, "single-1")
	sub := seedSubscriber(t, s, "ci")

	code := 500
	for n := 1; n <= 2; n++ {
		_, err := s.RecordAttempt(ctx, &models.DeliveryAttempt{
			EventID: id, SubscriberID: sub.ID, AttemptNumber: n, StatusCode: &code,
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.ScheduleRetry(ctx, id, sub.ID, 1, time.Now().Add(-time.Minute)))
	require.NoError(t, s.ScheduleRetry(ctx, id, sub.ID, 2, time.Now().Add(-time.Second)))

	tasks, err := s.PendingRetries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "only the latest attempt may hold a scheduled retry")
	assert.Equal(t, 3, tasks[0].NextAttempt)

	// future retries are not returned
	require.NoError(t, s.ScheduleRetry(ctx, id, sub.ID, 2, time.Now().Add(time.Hour)))
	tasks, err = s.PendingRetries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	require.NoError(t, s.ClearRetry(ctx, id, sub.ID, 2))
	assert.ErrorIs(t, s.ClearRetry(ctx, id+100, sub.ID, 2), driver.ErrAttemptNotFound)
}

func testScheduleRetryUnknownAttempt(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()
	id := seedEvent(t, s, "su-1")
	sub := seedSubscriber(t, s, "ci")

	code := 500
	_, err := s.RecordAttempt(ctx, &models.DeliveryAttempt{
		EventID: id, SubscriberID: sub.ID, AttemptNumber: 1, StatusCode: &code,
	})
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(ctx, id, sub.ID, 1, time.Now().Add(-time.Second)))

	err = s.ScheduleRetry(ctx, id, sub.ID, 99, time.Now().Add(-time.Second))
	assert.ErrorIs(t, err, driver.ErrAttemptNotFound)

	// The failed call must not touch the existing schedule.
	tasks, err := s.PendingRetries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].NextAttempt)
}

func testResolveEventStatus(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()
	id := seedEvent(t, s, "rs-1")
	subA := seedSubscriber(t, s, "ci")
	subB := seedSubscriber(t, s, "chat")

	// No attempts yet: status unchanged.
	status, err := s.ResolveEventStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, status)

	ok, bad := 200, 500
	_, err = s.RecordAttempt(ctx, &models.DeliveryAttempt{EventID: id, SubscriberID: subA.ID, AttemptNumber: 1, StatusCode: &ok})
	require.NoError(t, err)
	_, err = s.RecordAttempt(ctx, &models.DeliveryAttempt{EventID: id, SubscriberID: subB.ID, AttemptNumber: 1, StatusCode: &bad})
	require.NoError(t, err)

	status, err = s.ResolveEventStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, status)

	// The failed subscriber recovers on attempt 2.
	_, err = s.RecordAttempt(ctx, &models.DeliveryAttempt{EventID: id, SubscriberID: subB.ID, AttemptNumber: 2, StatusCode: &ok})
	require.NoError(t, err)

	status, err = s.ResolveEventStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, status)

	// Broker transports report no status code; nil code with no error is success.
	id2 := seedEvent(t, s, "rs-2")
	_, err = s.RecordAttempt(ctx, &models.DeliveryAttempt{EventID: id2, SubscriberID: subA.ID, AttemptNumber: 1})
	require.NoError(t, err)
	status, err = s.ResolveEventStatus(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, status)
}

func testSubscribers(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()

	sub := seedSubscriber(t, s, "ci")
	got, err := s.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)
	assert.True(t, got.Matches("push"))
	assert.False(t, got.Matches("deploy"))

	transport, err := s.GetTransportFor(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransportKindWebhook, transport.Kind)
	assert.Equal(t, sub.ID, transport.SubscriberID)

	seedSubscriber(t, s, "chat")
	subs, err := s.ListSubscribers(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	require.NoError(t, s.DeleteSubscriber(ctx, sub.ID))
	_, err = s.GetSubscriber(ctx, sub.ID)
	assert.ErrorIs(t, err, driver.ErrSubscriberNotFound)
	_, err = s.GetTransportFor(ctx, sub.ID)
	assert.ErrorIs(t, err, driver.ErrTransportNotFound)
	assert.ErrorIs(t, s.DeleteSubscriber(ctx, sub.ID), driver.ErrSubscriberNotFound)
}

func testFailureRate(t *testing.T, h Harness) {
	s := h.MakeStore(t)
	ctx := context.Background()

	for i, status := range []models.EventStatus{
		models.EventStatusCompleted,
		models.EventStatusCompleted,
		models.EventStatusCompleted,
		models.EventStatusFailed,
	} {
		id := seedEvent(t, s, "fr-"+string(rune('a'+i)))
		require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusProcessing))
		require.NoError(t, s.SetEventStatus(ctx, id, status))
	}

	rate, err := s.FailureRate(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, rate, 0.001)

	rate, err = s.FailureRate(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, rate)
}
