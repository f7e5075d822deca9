// Package kerr defines the error taxonomy shared by the request pipeline,
// uploader, downloader and lister.
package kerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error so a Retrier can decide what to do with it
// without parsing strings.
type Kind int

const (
	// KindUnknown is the zero value; KindOf reports it for errors that are
	// not an *Error.
	KindUnknown Kind = iota

	// transport-level kinds, roughly backend/s3.shouldRetry's awserr
	// classification generalized into a standalone taxonomy.
	KindConnect
	KindSend
	KindReceive
	KindTimeout
	KindUnknownHost
	KindSSL
	KindInvalidURL
	KindLocalIO
	KindCallbackError

	// response-level kinds.
	KindStatusCode
	KindUnexpectedStatusCode
	KindMaliciousResponse
	KindParseResponse
	KindUnexpectedEOF

	// download-engine kinds.
	KindContentChanged
	KindAllURLsFailed
	KindNoURLTried

	// cancellation.
	KindUserCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	case KindTimeout:
		return "timeout"
	case KindUnknownHost:
		return "unknown_host"
	case KindSSL:
		return "ssl"
	case KindInvalidURL:
		return "invalid_url"
	case KindLocalIO:
		return "local_io"
	case KindCallbackError:
		return "callback_error"
	case KindStatusCode:
		return "status_code"
	case KindUnexpectedStatusCode:
		return "unexpected_status_code"
	case KindMaliciousResponse:
		return "malicious_response"
	case KindParseResponse:
		return "parse_response"
	case KindUnexpectedEOF:
		return "unexpected_eof"
	case KindContentChanged:
		return "content_changed"
	case KindAllURLsFailed:
		return "all_urls_failed"
	case KindNoURLTried:
		return "no_url_tried"
	case KindUserCanceled:
		return "user_canceled"
	default:
		return "unknown"
	}
}

// Error is the taxonomy type every public operation in this module returns.
// It carries the kind, the server-assigned request id when one was
// observed, an optional HTTP status code and an underlying cause chain.
type Error struct {
	Kind       Kind
	StatusCode int
	Reqid      string
	Message    string
	// RetryAfter carries a server-suggested delay (e.g. parsed from a
	// 509 response or a Retry-After header) in nanoseconds, 0 if none.
	RetryAfter int64
	cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("kodo: %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Reqid != "" {
		msg += fmt.Sprintf(" [reqid=%s]", e.Reqid)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/As from the standard library too.
func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Newf builds an *Error of the given kind with a formatted message and no
// cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithReqid attaches a server request id, returning the same error for
// chaining at the call site.
func (e *Error) WithReqid(reqid string) *Error {
	if e == nil {
		return e
	}
	e.Reqid = reqid
	return e
}

// WithStatusCode attaches an HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	if e == nil {
		return e
	}
	e.StatusCode = code
	return e
}

// WithRetryAfter attaches a server-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if e == nil {
		return e
	}
	e.RetryAfter = int64(d)
	return e
}

// Is reports whether err is a *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or KindUnknown if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReqidOf extracts the server request id carried by err, if any.
func ReqidOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reqid
	}
	return ""
}
