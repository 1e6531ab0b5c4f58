package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/backoff"
	"github.com/forgerelay/forgerelay/internal/cipher"
	"github.com/forgerelay/forgerelay/internal/delivery"
	"github.com/forgerelay/forgerelay/internal/ingest"
	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/retry"
	"github.com/forgerelay/forgerelay/internal/store/driver"
	"github.com/forgerelay/forgerelay/internal/store/memstore"
	"github.com/forgerelay/forgerelay/internal/transport"
	"github.com/forgerelay/forgerelay/internal/worker"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// stubProvider delivers according to the transport config string: "ok"
// succeeds, "permanent" fails with 400, "transient" fails with 503.
type stubProvider struct{}

func (p *stubProvider) Kind() models.TransportKind { return models.TransportKindWebhook }

func (p *stubProvider) Validate(raw string) error { return nil }

func (p *stubProvider) Deliver(ctx context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	switch raw {
	case "permanent":
		code := 400
		return &transport.Result{StatusCode: &code}, transport.NewPublishError(errors.New("rejected"))
	case "transient":
		code := 503
		return &transport.Result{StatusCode: &code}, transport.NewPublishError(errors.New("unavailable"))
	default:
		code := 200
		return &transport.Result{StatusCode: &code}, nil
	}
}

type stubSource struct {
	provider transport.Provider
}

func (s *stubSource) Provider(kind models.TransportKind) (transport.Provider, error) {
	return s.provider, nil
}

type fixture struct {
	store   driver.Store
	queue   mqs.Queue
	health  *worker.HealthTracker
	handler http.Handler
}

func newFixture(t *testing.T, whCfg WebhookHandlersConfig, hCfg HealthHandlersConfig) *fixture {
	t.Helper()

	logger, err := logging.NewLogger()
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Sync() })

	store := memstore.New()
	headerCipher, err := cipher.NewHeaderCipher("master-secret")
	require.NoError(t, err)

	queue, err := mqs.New(context.Background(), mqs.QueueConfig{Kind: mqs.KindMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	validator, err := ingest.NewValidator(ingest.Config{Secret: testSecret})
	require.NoError(t, err)

	policy := retry.NewPolicy(3, &backoff.ExponentialBackoff{Interval: time.Minute})
	engine := delivery.NewEngine(logger, store, &stubSource{provider: &stubProvider{}}, headerCipher, policy, 4)

	health := worker.NewHealthTracker()
	webhookHandlers := NewWebhookHandlers(logger, validator, headerCipher, store, queue, engine, whCfg)
	healthHandlers := NewHealthHandlers(logger, store, queue, health, hCfg)
	handler := NewRouter(RouterConfig{ServiceName: "forgerelay-test"}, logger, webhookHandlers, healthHandlers)

	return &fixture{store: store, queue: queue, health: health, handler: handler}
}

func (f *fixture) addSubscriber(t *testing.T, name, config string, eventTypes ...string) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{Name: name, EventTypes: eventTypes}
	tr := &models.Transport{Kind: models.TransportKindWebhook, Config: config}
	require.NoError(t, f.store.CreateSubscriber(context.Background(), sub, tr))
	return sub
}

func (f *fixture) post(t *testing.T, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Github-Event", "push")
	req.Header.Set("X-Github-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	req.Header.Set(ingest.SignatureHeader, ingest.Sign(testSecret, body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) ReceiveResponse {
	t.Helper()
	var resp ReceiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestReceiveDeliversToAllSubscribers(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "push")
	f.addSubscriber(t, "deploy", "ok", "push")

	rec := f.post(t, []byte(`{"ref":"refs/heads/main"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, 2, resp.Subscribers)
	assert.Equal(t, 2, resp.Successful)
	assert.Zero(t, resp.Failed)
	assert.Zero(t, resp.Retries)

	event, err := f.store.GetEvent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)

	attempts, err := f.store.ListAttempts(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestReceiveRejectsInvalidSignature(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "push")

	rec := f.post(t, []byte(`{"ref":"refs/heads/main"}`), func(r *http.Request) {
		r.Header.Set(ingest.SignatureHeader, "sha256=deadbeef")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	stats, err := f.store.EventStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestReceiveDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "push")

	body := []byte(`{"ref":"refs/heads/main"}`)
	rec := f.post(t, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "duplicate delivery", resp.Message)

	stats, err := f.store.EventStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	// The replay must not produce new attempts.
	attempts, err := f.store.ListAttempts(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestReceiveMixedOutcomes(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "push")
	f.addSubscriber(t, "audit", "permanent", "push")
	f.addSubscriber(t, "deploy", "transient", "push")

	rec := f.post(t, []byte(`{"ref":"refs/heads/main"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, 3, resp.Subscribers)
	assert.Equal(t, 1, resp.Successful)
	assert.Equal(t, 2, resp.Failed, "a retry-pending subscriber still counts as failed")
	assert.Equal(t, 1, resp.Retries)
}

func TestReceiveRetryPendingCountsAsFailed(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "push")
	f.addSubscriber(t, "deploy", "transient", "push")

	rec := f.post(t, []byte(`{"ref":"refs/heads/main"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, 2, resp.Subscribers)
	assert.Equal(t, 1, resp.Successful)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, 1, resp.Retries)
}

func TestReceiveAllFailed(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "permanent", "push")
	f.addSubscriber(t, "deploy", "permanent", "push")

	rec := f.post(t, []byte(`{"ref":"refs/heads/main"}`), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, 2, resp.Subscribers)
	assert.Equal(t, 2, resp.Failed)
}

func TestReceiveNoMatchingSubscribers(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "release")

	rec := f.post(t, []byte(`{"ref":"refs/heads/main"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Zero(t, resp.Subscribers)

	event, err := f.store.GetEvent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
}

func TestReceiveAsyncEnqueues(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{Async: true}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "push")

	rec := f.post(t, []byte(`{"ref":"refs/heads/main"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, "accepted", resp.Message)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Approximate)

	event, err := f.store.GetEvent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, event.Status)
}

func TestReceiveOversizedBody(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{MaxBodyBytes: 64}, HealthHandlersConfig{})

	big := fmt.Sprintf(`{"padding":%q}`, bytes.Repeat([]byte("x"), 256))
	rec := f.post(t, []byte(big), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHealthzLive(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz/live", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"up"}`, rec.Body.String())
}

func TestHealthzReady(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{QueueDepthThreshold: 10})

	req := httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no-subscribers")

	f.addSubscriber(t, "ci", "ok", "push")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReadyWorkerFailure(t *testing.T) {
	f := newFixture(t, WebhookHandlersConfig{}, HealthHandlersConfig{})
	f.addSubscriber(t, "ci", "ok", "push")
	f.health.MarkFailed("consumer")

	req := httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "worker-failed")
}
