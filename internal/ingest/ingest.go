// Package ingest admits upstream webhook requests. Checks run in a
// fixed order, each short-circuiting: IP allowlist, per-IP rate limit,
// payload size, required headers, body signature. Only admitted
// requests become events.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgerelay/forgerelay/internal/models"
)

// SignatureHeader is where the upstream platform puts its body HMAC.
const SignatureHeader = "X-Hub-Signature-256"

// capturedHeaders is the allowlist of upstream headers recorded with an
// event. Everything else is dropped before persistence.
var capturedHeaders = []string{
	SignatureHeader,
	"Content-Type",
	"User-Agent",
}

// Rejection maps an admission failure to its HTTP response.
type Rejection struct {
	Reason string
	Status int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("request rejected: %s", r.Reason)
}

var (
	RejectIPNotAllowed    = &Rejection{Reason: "ip-not-allowed", Status: http.StatusForbidden}
	RejectRateLimited     = &Rejection{Reason: "rate-limited", Status: http.StatusTooManyRequests}
	RejectPayloadTooLarge = &Rejection{Reason: "payload-too-large", Status: http.StatusRequestEntityTooLarge}
	RejectUnauthorized    = &Rejection{Reason: "unauthorized", Status: http.StatusUnauthorized}
	RejectBadRequest      = &Rejection{Reason: "bad-request", Status: http.StatusBadRequest}
)

// Request is one candidate webhook delivery.
type Request struct {
	ClientIP string
	Platform string
	Headers  http.Header
	Body     []byte
}

// Accepted is an admitted request normalized into an event plus the
// captured headers, which the caller encrypts before storage.
type Accepted struct {
	Event   *models.Event
	Headers map[string]string
}

type Config struct {
	// Secret is the shared HMAC secret upstream platforms sign with.
	Secret string
	// MaxPayloadBytes caps the request body. Zero means no cap.
	MaxPayloadBytes int64
	// RequestsPerMinute enables the per-IP token bucket when positive.
	RequestsPerMinute int
	// AllowedIPs holds bare IPs or CIDR blocks. Empty means allow all.
	AllowedIPs []string
}

type Validator struct {
	secret  []byte
	maxBody int64
	allowed []*net.IPNet

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limitersHighWater bounds the per-IP limiter table; stale entries are
// pruned once it is crossed.
const limitersHighWater = 10_000

func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("ingest: missing webhook secret")
	}

	v := &Validator{
		secret:   []byte(cfg.Secret),
		maxBody:  cfg.MaxPayloadBytes,
		limiters: make(map[string]*ipLimiter),
	}

	if cfg.RequestsPerMinute > 0 {
		v.limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		v.burst = cfg.RequestsPerMinute
	}

	for _, entry := range cfg.AllowedIPs {
		ipNet, err := parseIPOrCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("ingest: invalid allowlist entry %q: %w", entry, err)
		}
		v.allowed = append(v.allowed, ipNet)
	}
	return v, nil
}

func parseIPOrCIDR(entry string) (*net.IPNet, error) {
	if !strings.Contains(entry, "/") {
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("not an IP address")
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, ipNet, err := net.ParseCIDR(entry)
	return ipNet, err
}

// Validate admits or rejects one request.
func (v *Validator) Validate(req Request) (*Accepted, *Rejection) {
	if rej := v.checkIP(req.ClientIP); rej != nil {
		return nil, rej
	}
	if rej := v.checkRate(req.ClientIP); rej != nil {
		return nil, rej
	}
	if v.maxBody > 0 && int64(len(req.Body)) > v.maxBody {
		return nil, RejectPayloadTooLarge
	}

	eventType := req.Headers.Get(eventHeader(req.Platform))
	deliveryID := req.Headers.Get(deliveryHeader(req.Platform))
	signature := req.Headers.Get(SignatureHeader)
	if eventType == "" || deliveryID == "" {
		return nil, RejectBadRequest
	}
	if signature == "" {
		return nil, RejectUnauthorized
	}

	// The signature covers the exact body bytes; nothing may parse or
	// normalize them first.
	if !v.verifySignature(signature, req.Body) {
		return nil, RejectUnauthorized
	}

	if !json.Valid(req.Body) {
		return nil, RejectBadRequest
	}

	headers := map[string]string{
		eventHeader(req.Platform):    eventType,
		deliveryHeader(req.Platform): deliveryID,
	}
	for _, name := range capturedHeaders {
		if value := req.Headers.Get(name); value != "" {
			headers[name] = value
		}
	}

	return &Accepted{
		Event: &models.Event{
			DeliveryID:  deliveryID,
			Type:        eventType,
			Payload:     req.Body,
			PayloadHash: models.HashPayload(req.Body),
			PayloadSize: int64(len(req.Body)),
			ReceivedAt:  time.Now().UTC(),
		},
		Headers: headers,
	}, nil
}

func (v *Validator) verifySignature(signature string, body []byte) bool {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (v *Validator) checkIP(clientIP string) *Rejection {
	if len(v.allowed) == 0 {
		return nil
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return RejectIPNotAllowed
	}
	for _, ipNet := range v.allowed {
		if ipNet.Contains(ip) {
			return nil
		}
	}
	return RejectIPNotAllowed
}

func (v *Validator) checkRate(clientIP string) *Rejection {
	if v.limit == 0 {
		return nil
	}

	v.mu.Lock()
	entry, ok := v.limiters[clientIP]
	if !ok {
		if len(v.limiters) >= limitersHighWater {
			v.prune()
		}
		entry = &ipLimiter{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.limiters[clientIP] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	v.mu.Unlock()

	if !limiter.Allow() {
		return RejectRateLimited
	}
	return nil
}

// prune drops limiters idle for over an hour. Caller holds the lock.
func (v *Validator) prune() {
	cutoff := time.Now().Add(-time.Hour)
	for ip, entry := range v.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(v.limiters, ip)
		}
	}
}

// eventHeader returns the platform's event-type header name, e.g.
// X-Github-Event for the github platform. Lookups are case-insensitive.
func eventHeader(platform string) string {
	return "X-" + titleCase(platform) + "-Event"
}

func deliveryHeader(platform string) string {
	return "X-" + titleCase(platform) + "-Delivery"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// Sign produces the signature value for a body, exported for tests and
// local tooling that replays webhooks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
