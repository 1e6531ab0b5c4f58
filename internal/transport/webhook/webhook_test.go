package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/transport"
	"github.com/forgerelay/forgerelay/internal/transport/webhook"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testEnvelope() *transport.Envelope {
	return &transport.Envelope{
		Event:      "push",
		Payload:    json.RawMessage(`{"ref":"refs/heads/main"}`),
		Headers:    map[string]string{"X-Gitea-Event": "push"},
		DeliveryID: "d-123",
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func configFor(url string) string {
	return fmt.Sprintf(`{"url":%q,"secret":%q}`, url, testSecret)
}

func TestDeliverSignsAndForwards(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := webhook.New(webhook.Options{UserAgent: "forgerelay/test", AllowInsecure: true})
	env := testEnvelope()

	result, err := provider.Deliver(context.Background(), configFor(server.URL), env)
	require.NoError(t, err)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusOK, *result.StatusCode)

	assert.JSONEq(t, `{"ref":"refs/heads/main"}`, string(gotBody))
	assert.Equal(t, "true", gotHeader.Get("X-Forgerelay-Relayed"))
	assert.Equal(t, "push", gotHeader.Get("X-Forgerelay-Event"))
	assert.Equal(t, "d-123", gotHeader.Get("X-Forgerelay-Delivery"))
	assert.Equal(t, "push", gotHeader.Get("X-Gitea-Event"))
	assert.Equal(t, "forgerelay/test", gotHeader.Get("User-Agent"))

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotHeader.Get("X-Forgerelay-Signature"))
}

func TestDeliverOverwritesUpstreamSignature(t *testing.T) {
	var gotHeader http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := testEnvelope()
	// Recorded at ingest, minted with the shared platform secret.
	staleSig := webhook.Sign("shared-platform-secret", env.Payload)
	env.Headers[webhook.HeaderUpstreamSignature] = staleSig

	provider := webhook.New(webhook.Options{AllowInsecure: true})
	_, err := provider.Deliver(context.Background(), configFor(server.URL), env)
	require.NoError(t, err)

	got := gotHeader.Get(webhook.HeaderUpstreamSignature)
	assert.NotEqual(t, staleSig, got, "the shared-secret signature must not leak downstream")
	assert.Equal(t, webhook.Sign(testSecret, gotBody), got)
}

func TestDeliverReportsFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	provider := webhook.New(webhook.Options{AllowInsecure: true})
	result, err := provider.Deliver(context.Background(), configFor(server.URL), testEnvelope())

	require.Error(t, err)
	var publishErr *transport.PublishError
	assert.ErrorAs(t, err, &publishErr)
	require.NotNil(t, result)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, *result.StatusCode)
}

func TestDeliverDoesNotFollowRedirects(t *testing.T) {
	var followed bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		followed = true
	}))
	defer target.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusTemporaryRedirect)
	}))
	defer server.Close()

	provider := webhook.New(webhook.Options{AllowInsecure: true})
	result, err := provider.Deliver(context.Background(), configFor(server.URL), testEnvelope())

	require.Error(t, err)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusTemporaryRedirect, *result.StatusCode)
	assert.False(t, followed)
}

func TestDeliverTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	provider := webhook.New(webhook.Options{AllowInsecure: true})
	cfg := fmt.Sprintf(`{"url":%q,"secret":%q,"timeout":1}`, server.URL, testSecret)

	start := time.Now()
	result, err := provider.Deliver(context.Background(), cfg, testEnvelope())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestValidate(t *testing.T) {
	secure := webhook.New(webhook.Options{})

	assert.NoError(t, secure.Validate(`{"url":"https://ci.internal/hook","secret":"0123456789abcdef"}`))
	assert.Error(t, secure.Validate(`{"url":"http://ci.internal/hook","secret":"0123456789abcdef"}`), "plain http rejected")
	assert.Error(t, secure.Validate(`{"url":"https://ci.internal/hook"}`), "missing secret")
	assert.Error(t, secure.Validate(`{"url":"https://ci.internal/hook","secret":"short"}`), "weak secret")
	assert.Error(t, secure.Validate(`{"secret":"0123456789abcdef"}`), "missing url")
	assert.Error(t, secure.Validate(`not-json`))

	insecure := webhook.New(webhook.Options{AllowInsecure: true})
	assert.NoError(t, insecure.Validate(`{"url":"http://localhost:8080/hook","secret":"0123456789abcdef"}`))
}

func TestSign(t *testing.T) {
	sig := webhook.Sign("secret", []byte("body"))
	assert.Equal(t, "sha256=", sig[:7])
	assert.Len(t, sig, 7+64)

	// deterministic
	assert.Equal(t, sig, webhook.Sign("secret", []byte("body")))
	assert.NotEqual(t, sig, webhook.Sign("other", []byte("body")))
}
