// Package webhook delivers events to subscriber HTTP endpoints. The
// payload is forwarded verbatim; event metadata and the recorded
// upstream headers travel as request headers, and the body is signed
// with the subscriber's secret.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/transport"
)

const (
	defaultTimeout = 30 * time.Second

	// HeaderRelayed marks a request as having passed through the relay,
	// so receivers can distinguish it from a direct platform webhook.
	HeaderRelayed    = "X-Forgerelay-Relayed"
	HeaderSignature  = "X-Forgerelay-Signature"
	HeaderEvent      = "X-Forgerelay-Event"
	HeaderDeliveryID = "X-Forgerelay-Delivery"
	HeaderTimestamp  = "X-Forgerelay-Timestamp"

	// HeaderUpstreamSignature is the signature header the platform sent.
	// The recorded value was minted with the shared ingest secret and
	// must never reach a subscriber.
	HeaderUpstreamSignature = "X-Hub-Signature-256"
)

type Config struct {
	URL     string `json:"url" validate:"required,url"`
	Secret  string `json:"secret" validate:"required,min=16"`
	Timeout int    `json:"timeout,omitempty" validate:"omitempty,min=1,max=300"`
}

type Options struct {
	UserAgent     string
	AllowInsecure bool
}

type Webhook struct {
	opts   Options
	client *http.Client
}

var _ transport.Provider = (*Webhook)(nil)

func New(opts Options) *Webhook {
	return &Webhook{
		opts: opts,
		client: &http.Client{
			// Redirects would resend the signed body to an address the
			// subscriber never registered.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (w *Webhook) Kind() models.TransportKind { return models.TransportKindWebhook }

func (w *Webhook) Validate(raw string) error {
	var cfg Config
	if err := transport.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	return w.checkScheme(cfg.URL)
}

func (w *Webhook) checkScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "https" && !w.opts.AllowInsecure {
		return fmt.Errorf("webhook url must use https, got %q", u.Scheme)
	}
	return nil
}

func (w *Webhook) Deliver(ctx context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	var cfg Config
	if err := transport.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if err := w.checkScheme(cfg.URL); err != nil {
		return nil, err
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(env.Payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRelayed, "true")
	req.Header.Set(HeaderEvent, env.Event)
	req.Header.Set(HeaderDeliveryID, env.DeliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(env.Timestamp.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(cfg.Secret, env.Payload))
	if w.opts.UserAgent != "" {
		req.Header.Set("User-Agent", w.opts.UserAgent)
	}
	// Recorded upstream headers ride along under their original names,
	// so receivers see the same request shape the platform sent. The
	// stale upstream signature is re-signed with the subscriber secret.
	for key, value := range env.Headers {
		if http.CanonicalHeaderKey(key) == HeaderUpstreamSignature {
			value = Sign(cfg.Secret, env.Payload)
		}
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, transport.NewPublishError(err)
	}
	defer resp.Body.Close()

	result := &transport.Result{StatusCode: &resp.StatusCode}
	if resp.StatusCode >= 300 {
		return result, transport.NewPublishError(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
	return result, nil
}

// Sign computes the body signature receivers verify, in the same
// sha256=<hex> shape the major forge platforms use.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
