package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/backoff"
	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/retry"
	"github.com/forgerelay/forgerelay/internal/store/driver"
	"github.com/forgerelay/forgerelay/internal/store/memstore"
	"github.com/forgerelay/forgerelay/internal/transport"
)

// scriptedProvider returns canned results keyed by subscriber delivery
// order. Each call pops the next script entry for its config.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	calls   map[string][]*transport.Envelope
}

type scriptStep struct {
	status *int
	err    error
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		scripts: make(map[string][]scriptStep),
		calls:   make(map[string][]*transport.Envelope),
	}
}

func (p *scriptedProvider) script(config string, steps ...scriptStep) {
	p.scripts[config] = steps
}

func (p *scriptedProvider) Kind() models.TransportKind { return models.TransportKindWebhook }

func (p *scriptedProvider) Validate(string) error { return nil }

func (p *scriptedProvider) Deliver(_ context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[raw] = append(p.calls[raw], env)
	steps := p.scripts[raw]
	if len(steps) == 0 {
		return &transport.Result{}, nil
	}
	step := steps[0]
	p.scripts[raw] = steps[1:]
	result := &transport.Result{StatusCode: step.status}
	return result, step.err
}

type fixedSource struct{ p transport.Provider }

func (s fixedSource) Provider(models.TransportKind) (transport.Provider, error) { return s.p, nil }

type plainDecrypter struct{ headers map[string]string }

func (d plainDecrypter) DecryptHeaders(string) (map[string]string, error) { return d.headers, nil }

func ok() scriptStep { code := 200; return scriptStep{status: &code} }
func fail(c int) scriptStep {
	return scriptStep{status: &c, err: transport.NewPublishError(errors.New("endpoint rejected"))}
}

type fixture struct {
	engine   *Engine
	store    driver.Store
	provider *scriptedProvider
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	logger, err := logging.NewLogger()
	require.NoError(t, err)
	provider := newScriptedProvider()
	s := memstore.New()
	policy := retry.NewPolicy(maxAttempts, &backoff.ExponentialBackoff{Interval: time.Minute, Max: time.Hour})
	engine := NewEngine(logger, s, fixedSource{provider}, plainDecrypter{}, policy, 4)
	return &fixture{engine: engine, store: s, provider: provider}
}

func (f *fixture) seedEvent(t *testing.T, eventType string) int64 {
	t.Helper()
	id, err := f.store.StoreEvent(context.Background(), &models.Event{
		DeliveryID: "d-" + eventType,
		Type:       eventType,
		Payload:    []byte(`{"ref":"refs/heads/main"}`),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) seedSubscriber(t *testing.T, name, config string, events ...string) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{Name: name, EventTypes: events}
	require.NoError(t, f.store.CreateSubscriber(context.Background(), sub, &models.Transport{
		Kind:   models.TransportKindWebhook,
		Config: config,
	}))
	return sub
}

func TestProcessEventAllSucceed(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	f.seedSubscriber(t, "ci", "cfg-ci", "push")
	f.seedSubscriber(t, "chat", "cfg-chat", "push", "tag")
	f.provider.script("cfg-ci", ok())
	f.provider.script("cfg-chat", ok())

	require.NoError(t, f.engine.ProcessEvent(ctx, id))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
	require.NotNil(t, event.ProcessedAt)

	attempts, err := f.store.ListAttempts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestProcessEventNoMatchingSubscribers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	f.seedSubscriber(t, "ci", "cfg-ci", "tag") // listens to a different type

	require.NoError(t, f.engine.ProcessEvent(ctx, id))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
	assert.Empty(t, f.provider.calls)
}

func TestProcessEventPartialFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	okSub := f.seedSubscriber(t, "ci", "cfg-ci", "push")
	f.seedSubscriber(t, "chat", "cfg-chat", "push")
	f.provider.script("cfg-ci", ok())
	f.provider.script("cfg-chat", fail(503))

	require.NoError(t, f.engine.ProcessEvent(ctx, id))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, event.Status)

	attempts, err := f.store.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, attempt := range attempts {
		if attempt.SubscriberID == okSub.ID {
			assert.Nil(t, attempt.NextRetryAt)
			assert.Nil(t, attempt.ErrorMessage)
		} else {
			assert.NotNil(t, attempt.NextRetryAt, "failed subscriber has a scheduled retry")
			assert.NotNil(t, attempt.ErrorMessage)
		}
	}
}

func TestProcessEventPermanentRejectionDoesNotRetry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	f.seedSubscriber(t, "ci", "cfg-ci", "push")
	f.provider.script("cfg-ci", fail(400))

	require.NoError(t, f.engine.ProcessEvent(ctx, id))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, event.Status, "permanent rejection below budget stays failed")

	attempts, err := f.store.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Nil(t, attempts[0].NextRetryAt)
}

func TestProcessEventConfigFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	f.seedSubscriber(t, "ci", "cfg-ci", "push")
	// A bare error: the provider never reached the receiver.
	f.provider.script("cfg-ci", scriptStep{err: errors.New("invalid transport config: missing url")})

	require.NoError(t, f.engine.ProcessEvent(ctx, id))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, event.Status)

	attempts, err := f.store.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Nil(t, attempts[0].NextRetryAt, "config failures repeat identically and earn no retry")
	require.NotNil(t, attempts[0].ErrorMessage)
}

// transportlessStore hides the transport row of one subscriber.
type transportlessStore struct {
	driver.Store
	missing int64
}

func (s *transportlessStore) GetTransportFor(ctx context.Context, subscriberID int64) (*models.Transport, error) {
	if subscriberID == s.missing {
		return nil, driver.ErrTransportNotFound
	}
	return s.Store.GetTransportFor(ctx, subscriberID)
}

func TestProcessEventMissingTransportFailsOnlyThatSubscriber(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	okSub := f.seedSubscriber(t, "ci", "cfg-ci", "push")
	brokenSub := f.seedSubscriber(t, "chat", "cfg-chat", "push")
	f.provider.script("cfg-ci", ok())

	logger, err := logging.NewLogger()
	require.NoError(t, err)
	policy := retry.NewPolicy(3, &backoff.ExponentialBackoff{Interval: time.Minute, Max: time.Hour})
	wrapped := &transportlessStore{Store: f.store, missing: brokenSub.ID}
	engine := NewEngine(logger, wrapped, fixedSource{f.provider}, plainDecrypter{}, policy, 4)

	require.NoError(t, engine.ProcessEvent(ctx, id))

	require.Len(t, f.provider.calls["cfg-ci"], 1, "the healthy subscriber still receives the event")

	attempts, err := f.store.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 2, "the broken subscriber gets a ledger row too")
	for _, attempt := range attempts {
		if attempt.SubscriberID == okSub.ID {
			assert.Nil(t, attempt.ErrorMessage)
		} else {
			require.NotNil(t, attempt.ErrorMessage)
			assert.Nil(t, attempt.NextRetryAt)
		}
	}

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, event.Status)
}

// kindSource serves providers for registered kinds only.
type kindSource struct {
	m map[models.TransportKind]transport.Provider
}

func (s kindSource) Provider(kind models.TransportKind) (transport.Provider, error) {
	p, ok := s.m[kind]
	if !ok {
		return nil, errors.New("no provider for transport kind " + string(kind))
	}
	return p, nil
}

func TestProcessEventUnknownKindRecordsFailure(t *testing.T) {
	ctx := context.Background()
	logger, err := logging.NewLogger()
	require.NoError(t, err)
	provider := newScriptedProvider()
	s := memstore.New()
	policy := retry.NewPolicy(3, &backoff.ExponentialBackoff{Interval: time.Minute, Max: time.Hour})
	source := kindSource{m: map[models.TransportKind]transport.Provider{models.TransportKindWebhook: provider}}
	engine := NewEngine(logger, s, source, plainDecrypter{}, policy, 4)

	id, err := s.StoreEvent(ctx, &models.Event{DeliveryID: "d-push", Type: "push", Payload: []byte(`{}`)})
	require.NoError(t, err)
	sub := &models.Subscriber{Name: "bus", EventTypes: []string{"push"}}
	require.NoError(t, s.CreateSubscriber(ctx, sub, &models.Transport{
		Kind: models.TransportKindAMQP, Config: "cfg-bus",
	}))

	require.NoError(t, engine.ProcessEvent(ctx, id))

	attempts, err := s.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Nil(t, attempts[0].NextRetryAt)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, event.Status)
}

func TestAbandonDeadLettersEvent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")

	msg, err := mqs.NewMessage(&mqs.FanoutJob{EventID: id, EventType: "push", DeliveryID: "d-push"})
	require.NoError(t, err)
	msg.Attempts = 5

	require.NoError(t, f.engine.Abandon(ctx, msg))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusDeadLetter, event.Status)
}

func TestAbandonLeavesSettledEventAlone(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	require.NoError(t, f.store.SetEventStatus(ctx, id, models.EventStatusProcessing))
	require.NoError(t, f.store.SetEventStatus(ctx, id, models.EventStatusCompleted))

	msg, err := mqs.NewMessage(&mqs.FanoutJob{EventID: id, EventType: "push", DeliveryID: "d-push"})
	require.NoError(t, err)

	require.NoError(t, f.engine.Abandon(ctx, msg))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
}

func TestProcessRetrySucceeds(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	f.seedSubscriber(t, "ci", "cfg-ci", "push")
	f.provider.script("cfg-ci", fail(503), ok())

	require.NoError(t, f.engine.ProcessEvent(ctx, id))

	tasks, err := f.store.PendingRetries(ctx, 10)
	require.NoError(t, err)
	if len(tasks) == 0 {
		// The retry was scheduled in the future; pull it directly.
		attempts, err := f.store.ListAttempts(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, attempts[0].NextRetryAt)
		tasks = []*models.RetryTask{{
			AttemptID:    attempts[0].ID,
			EventID:      id,
			SubscriberID: attempts[0].SubscriberID,
			NextAttempt:  2,
		}}
		require.NoError(t, f.store.ClearRetry(ctx, id, attempts[0].SubscriberID, 1))
	}

	require.NoError(t, f.engine.ProcessRetry(ctx, tasks[0]))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
}

func TestProcessRetryExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	sub := f.seedSubscriber(t, "ci", "cfg-ci", "push")
	f.provider.script("cfg-ci", fail(503), fail(503))

	require.NoError(t, f.engine.ProcessEvent(ctx, id))
	require.NoError(t, f.store.ClearRetry(ctx, id, sub.ID, 1))

	require.NoError(t, f.engine.ProcessRetry(ctx, &models.RetryTask{
		AttemptID:    1,
		EventID:      id,
		SubscriberID: sub.ID,
		NextAttempt:  2,
	}))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusDeadLetter, event.Status)
	require.NotNil(t, event.ProcessedAt)
}

func TestProcessRetryDroppedSubscriber(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	sub := f.seedSubscriber(t, "ci", "cfg-ci", "push")
	f.provider.script("cfg-ci", fail(503))

	require.NoError(t, f.engine.ProcessEvent(ctx, id))
	require.NoError(t, f.store.DeleteSubscriber(ctx, sub.ID))

	require.NoError(t, f.engine.ProcessRetry(ctx, &models.RetryTask{
		EventID:      id,
		SubscriberID: sub.ID,
		NextAttempt:  2,
	}))
}

func TestHandleRejectsMalformedJob(t *testing.T) {
	f := newFixture(t, 3)
	err := f.engine.Handle(context.Background(), &mqs.Message{Data: []byte(`{broken`)})
	var preErr *PreDeliveryError
	assert.ErrorAs(t, err, &preErr)
}

func TestHandleDeliversFromJob(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	f.seedSubscriber(t, "ci", "cfg-ci", "push")
	f.provider.script("cfg-ci", ok())

	job := &mqs.FanoutJob{EventID: id, EventType: "push", DeliveryID: "d-push"}
	msg, err := mqs.NewMessage(job)
	require.NoError(t, err)

	require.NoError(t, f.engine.Handle(ctx, msg))

	event, err := f.store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
}

func TestProcessEventSkipsSettledEvent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.seedEvent(t, "push")
	f.seedSubscriber(t, "ci", "cfg-ci", "push")
	require.NoError(t, f.store.SetEventStatus(ctx, id, models.EventStatusProcessing))
	require.NoError(t, f.store.SetEventStatus(ctx, id, models.EventStatusCompleted))

	require.NoError(t, f.engine.ProcessEvent(ctx, id))
	assert.Empty(t, f.provider.calls, "settled events are not redelivered")
}

func TestEnvelopeCarriesDecryptedHeaders(t *testing.T) {
	logger, err := logging.NewLogger()
	require.NoError(t, err)
	provider := newScriptedProvider()
	s := memstore.New()
	policy := retry.NewPolicy(3, &backoff.LinearBackoff{Interval: time.Minute, Max: time.Hour})
	engine := NewEngine(logger, s, fixedSource{provider},
		plainDecrypter{headers: map[string]string{"X-Gitea-Event": "push"}}, policy, 2)

	ctx := context.Background()
	id, err := s.StoreEvent(ctx, &models.Event{
		DeliveryID:       "d-1",
		Type:             "push",
		Payload:          []byte(`{}`),
		EncryptedHeaders: "bundle",
	})
	require.NoError(t, err)
	sub := &models.Subscriber{Name: "ci", EventTypes: []string{"push"}}
	require.NoError(t, s.CreateSubscriber(ctx, sub, &models.Transport{
		Kind: models.TransportKindWebhook, Config: "cfg",
	}))
	provider.script("cfg", ok())

	require.NoError(t, engine.ProcessEvent(ctx, id))

	require.Len(t, provider.calls["cfg"], 1)
	env := provider.calls["cfg"][0]
	assert.Equal(t, "push", env.Headers["X-Gitea-Event"])
	assert.Equal(t, "d-1", env.DeliveryID)
}
