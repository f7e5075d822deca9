package client

import (
	"sync"
	"time"

	"github.com/qbox-io/kodo-go-sdk/chooser"
	"github.com/qbox-io/kodo-go-sdk/kerr"
)

// RetryDecision is the result of classifying one attempt's error
// (spec.md §4.3).
type RetryDecision int

const (
	// RetryRequest means retry the same endpoint/IP.
	RetryRequest RetryDecision = iota
	// TryNextServer means abandon this endpoint/IP, try the next one.
	TryNextServer
	// TryAlternative means switch the region's endpoint set from
	// preferred to alternative.
	TryAlternative
	// RetryThrottled means retry the same endpoint after an
	// externally-suggested delay (e.g. HTTP 509).
	RetryThrottled
	// DontRetry means surface the error immediately.
	DontRetry
)

// Retrier classifies a request's error into a RetryDecision
// (spec.md §4.3). Implementations may track whether a region has ever
// seen a success, needed for the SSL-error-after-success rule.
type Retrier interface {
	Retry(err error, stats chooser.RetriedStats) RetryDecision
	// SuggestedDelay returns the server-suggested delay for a
	// RetryThrottled decision, or 0 if none is known.
	SuggestedDelay(err error) time.Duration
	// ObserveSuccess records that at least one request succeeded against
	// the current region, enabling the SSL/TryAlternative rule.
	ObserveSuccess()
	// ObserveRegionSwitch resets the "had a success" state when the
	// pipeline moves to a new region.
	ObserveRegionSwitch()
}

// DefaultRetrier implements the classification table in spec.md §4.3.
type DefaultRetrier struct {
	mu             sync.Mutex
	hadSuccess     bool
	maxMalicious   int
	maliciousCount int
}

// NewDefaultRetrier builds a DefaultRetrier. maxMalicious bounds how many
// MaliciousResponse errors in a row are retried before giving up
// (spec.md §4.3: "unless retry budget exhausted").
func NewDefaultRetrier(maxMalicious int) *DefaultRetrier {
	if maxMalicious <= 0 {
		maxMalicious = 3
	}
	return &DefaultRetrier{maxMalicious: maxMalicious}
}

// ObserveSuccess implements Retrier.
func (d *DefaultRetrier) ObserveSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hadSuccess = true
	d.maliciousCount = 0
}

// ObserveRegionSwitch implements Retrier.
func (d *DefaultRetrier) ObserveRegionSwitch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hadSuccess = false
}

// Retry implements Retrier.
func (d *DefaultRetrier) Retry(err error, stats chooser.RetriedStats) RetryDecision {
	kind := kerr.KindOf(err)
	switch kind {
	case kerr.KindConnect, kerr.KindTimeout, kerr.KindUnknownHost:
		return TryNextServer
	case kerr.KindLocalIO, kerr.KindInvalidURL, kerr.KindUserCanceled:
		return DontRetry
	case kerr.KindSSL:
		d.mu.Lock()
		had := d.hadSuccess
		d.mu.Unlock()
		if had {
			return TryAlternative
		}
		return TryNextServer
	case kerr.KindMaliciousResponse:
		d.mu.Lock()
		d.maliciousCount++
		exhausted := d.maliciousCount > d.maxMalicious
		d.mu.Unlock()
		if exhausted {
			return DontRetry
		}
		return TryNextServer
	case kerr.KindStatusCode:
		var e *kerr.Error
		if ae, ok := err.(*kerr.Error); ok {
			e = ae
		}
		if e != nil {
			if e.StatusCode == 509 {
				return RetryThrottled
			}
			if kerr.IsRetryableHTTPStatus(e.StatusCode) {
				return TryNextServer
			}
		}
		return DontRetry
	case kerr.KindUnexpectedStatusCode:
		return DontRetry
	default:
		return DontRetry
	}
}

// SuggestedDelay implements Retrier. A pipeline that reads a server
// Retry-After-style header attaches it to the *kerr.Error via
// WithRetryAfter before calling Retry.
func (d *DefaultRetrier) SuggestedDelay(err error) time.Duration {
	if e, ok := err.(*kerr.Error); ok {
		return time.Duration(e.RetryAfter)
	}
	return 0
}

var _ Retrier = (*DefaultRetrier)(nil)
