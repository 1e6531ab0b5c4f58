// Package retry decides whether a failed delivery attempt earns another
// try and when that try runs.
package retry

import (
	"time"

	"github.com/forgerelay/forgerelay/internal/backoff"
)

// Status codes that indicate a transient condition. Anything else from
// the 4xx/5xx range is treated as a permanent rejection by the receiver.
var retryableStatusCodes = map[int]struct{}{
	0:   {}, // no response at all (connect error, timeout)
	408: {},
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

type Policy struct {
	MaxAttempts int
	Backoff     backoff.Backoff
	// RetryableStatusCodes replaces the default transient set when
	// non-empty.
	RetryableStatusCodes []int
}

func NewPolicy(maxAttempts int, b backoff.Backoff) *Policy {
	return &Policy{MaxAttempts: maxAttempts, Backoff: b}
}

// ShouldRetry reports whether the attempt numbered attemptNumber may be
// followed by another. statusCode is nil when the transport produced no
// HTTP-shaped response; transport-level failures are always transient.
func (p *Policy) ShouldRetry(attemptNumber int, statusCode *int) bool {
	if attemptNumber >= p.MaxAttempts {
		return false
	}
	if statusCode == nil {
		return true
	}
	if len(p.RetryableStatusCodes) > 0 {
		for _, code := range p.RetryableStatusCodes {
			if code == *statusCode {
				return true
			}
		}
		return false
	}
	_, ok := retryableStatusCodes[*statusCode]
	return ok
}

// NextAt returns when the retry following attemptNumber should run.
func (p *Policy) NextAt(attemptNumber int, now time.Time) time.Time {
	return now.Add(p.Backoff.Duration(attemptNumber))
}

// Retryable reports whether a bare status code is transient. Used where
// no attempt counter applies.
func Retryable(statusCode int) bool {
	_, ok := retryableStatusCodes[statusCode]
	return ok
}
