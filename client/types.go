// Package client drives one API call across a region's endpoints and
// retries (spec.md §4.4 "Request Pipeline").
package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// BodyFactory produces a fresh request body for each attempt (a retried
// attempt must be able to re-read the body from the start).
type BodyFactory func() (io.ReadCloser, int64, error)

// Request describes one API call, reusable across attempts and endpoints.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	ContentType string
	Body        BodyFactory
	// Idempotent marks a request safe to retry even if we cannot tell
	// whether a prior attempt reached the server.
	Idempotent bool
}

// AttemptID is an opaque identifier passed to callbacks (SPEC_FULL.md §3,
// grounded on the original Rust SDK's CallParts id). Each attempt, and each
// retry delay, draws a fresh one, so it names a single attempt rather than
// the logical request; pipeline log lines do not carry it.
type AttemptID string

// Callbacks are invoked at the points spec.md §4.4/§7 define. A non-nil
// return from BeforeRequest, AfterRequestSigned or OnSuccess aborts the
// whole call with kerr.KindUserCanceled. The return values of
// BeforeRetryDelay, AfterRetryDelay and OnError are ignored.
type Callbacks struct {
	BeforeRequest       func(ctx context.Context, id AttemptID, req *http.Request) error
	AfterRequestSigned  func(ctx context.Context, id AttemptID, req *http.Request) error
	BeforeRetryDelay    func(ctx context.Context, id AttemptID, delay int64) error
	AfterRetryDelay     func(ctx context.Context, id AttemptID, delay int64) error
	OnSuccess           func(ctx context.Context, id AttemptID, resp *http.Response) error
	OnError             func(ctx context.Context, id AttemptID, err error) error
}
