// Package downloader streams one object's bytes across a candidate URL
// list, resuming mid-stream on a transport error or a short read rather
// than failing the whole transfer (spec.md §4.8 "Download Engine").
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/qbox-io/kodo-go-sdk/kerr"
	"github.com/sirupsen/logrus"
)

// Range is the byte range a Reader is asked to serve, following the same
// tagged-optional-field shape as region.Endpoint's port and
// uploader.ObjectParams' object name: Go has no optional scalar, so an
// explicit Has* flag marks a bound as unset rather than overloading zero.
type Range struct {
	From    int64
	HasFrom bool
	To      int64
	HasTo   bool
}

// Header renders r as an HTTP Range header value, or "" for the whole
// object.
func (r Range) Header() string {
	switch {
	case r.HasFrom && r.HasTo:
		return fmt.Sprintf("bytes=%d-%d", r.From, r.To)
	case r.HasFrom:
		return fmt.Sprintf("bytes=%d-", r.From)
	case r.HasTo:
		return fmt.Sprintf("bytes=0-%d", r.To)
	default:
		return ""
	}
}

// Callbacks are invoked at the points spec.md §4.8/§7 define. A non-nil
// return from any of them aborts the download with KindCallbackError.
type Callbacks struct {
	BeforeRequest    func(ctx context.Context, url string) error
	DownloadProgress func(ctx context.Context, transferred int64, total int64, hasTotal bool) error
	ResponseOK       func(ctx context.Context, resp *http.Response) error
	ResponseError    func(ctx context.Context, err error) error
}

// DefaultMaxAttempts bounds how many times NewReader's Read loop will
// open a fresh connection across the candidate URLs before giving up,
// when the caller leaves Reader.MaxAttempts at zero. Spec.md §4.8 does
// not pin a retry budget for the download engine the way §4.3 does for
// the request pipeline, so this follows the same shape as
// DefaultRetrier's maxMalicious: bounded rather than unbounded, so a
// persistently broken mirror set fails instead of looping forever.
const DefaultMaxAttempts = 8

// Reader implements io.ReadCloser over a sequence of HTTP GETs, advancing
// the effective range and cycling through urls whenever the current
// connection breaks (spec.md §4.8 steps 3/4).
type Reader struct {
	ctx       context.Context
	client    *http.Client
	urls      []string
	rng       Range
	callbacks Callbacks

	// MaxAttempts bounds total (re)connection attempts across urls.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int

	// Log receives per-connection-attempt progress at debug level; nil
	// (the default from NewReader) is a no-op (SPEC_FULL.md §1 "Logging").
	Log logrus.FieldLogger

	haveRead int64

	etag    string
	hasETag bool

	total    int64
	hasTotal bool

	body     io.ReadCloser
	urlIndex int
	attempts int
	closed   bool
	done     bool
}

// NewReader builds a Reader. No network I/O happens until the first Read.
func NewReader(ctx context.Context, client *http.Client, urls []string, rng Range, callbacks Callbacks) *Reader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Reader{ctx: ctx, client: client, urls: append([]string(nil), urls...), rng: rng, callbacks: callbacks}
}

// HaveRead returns the cumulative byte count read so far, monotone
// non-decreasing across URL hops (spec.md §8 "have_read is monotone
// non-decreasing").
func (r *Reader) HaveRead() int64 { return r.haveRead }

// ETag returns the ETag pinned by the first successful response, if any.
func (r *Reader) ETag() (string, bool) { return r.etag, r.hasETag }

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if len(r.urls) == 0 {
		return 0, kerr.New(kerr.KindNoURLTried, nil)
	}
	if r.done {
		return 0, io.EOF
	}

	for {
		if r.hasTotal && r.haveRead >= r.total {
			r.done = true
			return 0, io.EOF
		}
		if r.body == nil {
			if err := r.openUntilConnectedOrExhausted(); err != nil {
				return 0, err
			}
		}

		n, err := r.body.Read(p)
		if n > 0 {
			r.haveRead += int64(n)
			if cbErr := r.reportProgress(); cbErr != nil {
				return n, cbErr
			}
		}
		if err == nil {
			return n, nil
		}

		r.body.Close()
		r.body = nil

		if err == io.EOF {
			if r.hasTotal && r.haveRead >= r.total {
				r.done = true
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			// end of stream short of content_length: unexpected EOF,
			// fall through and reconnect (spec.md §4.8 step 4).
			if n > 0 {
				return n, nil
			}
			continue
		}

		// A mid-read transport error: fall through and reconnect with the
		// range advanced by haveRead (spec.md §4.8 step 3).
		if n > 0 {
			return n, nil
		}
	}
}

func (r *Reader) reportProgress() error {
	if r.callbacks.DownloadProgress == nil {
		return nil
	}
	if err := r.callbacks.DownloadProgress(r.ctx, r.haveRead, r.total, r.hasTotal); err != nil {
		return kerr.New(kerr.KindCallbackError, err)
	}
	return nil
}

// Close releases the current underlying connection, if any.
func (r *Reader) Close() error {
	r.closed = true
	if r.body != nil {
		err := r.body.Close()
		r.body = nil
		return err
	}
	return nil
}

func (r *Reader) originalFrom() int64 {
	if r.rng.HasFrom {
		return r.rng.From
	}
	return 0
}

// effectiveRange computes the range to request on the next connection
// attempt, advancing the lower bound by what has already been read.
func (r *Reader) effectiveRange() Range {
	from := r.originalFrom() + r.haveRead
	out := r.rng
	if from > 0 || r.rng.HasFrom {
		out.From = from
		out.HasFrom = true
	}
	return out
}

// openUntilConnectedOrExhausted cycles openNext across the candidate urls
// until one connects or the attempt budget runs out, so a single
// unreachable URL (not just a mid-stream break) still fails over to the
// next one (spec.md §4.8 step 3 draws no distinction between a connection
// that never opens and one that breaks after opening). kerr.KindContentChanged
// and kerr.KindCallbackError are not transport failures that another URL
// could route around, so they abort immediately instead of cycling. The
// last concrete error is returned once attempts are exhausted, rather than
// calling openNext one more time and letting its own budget guard manufacture
// a less informative KindAllURLsFailed.
func (r *Reader) openUntilConnectedOrExhausted() error {
	var lastErr error
	for {
		err := r.openNext()
		if err == nil {
			return nil
		}
		lastErr = err
		switch kerr.KindOf(err) {
		case kerr.KindContentChanged, kerr.KindCallbackError:
			return err
		}
		if r.attempts >= r.MaxAttempts {
			return lastErr
		}
	}
}

func (r *Reader) logf(fields logrus.Fields, msg string) {
	if r.Log == nil {
		return
	}
	r.Log.WithFields(fields).Debug(msg)
}

func (r *Reader) openNext() error {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.attempts >= r.MaxAttempts {
		return kerr.New(kerr.KindAllURLsFailed, nil)
	}
	r.attempts++

	u := r.urls[r.urlIndex%len(r.urls)]
	r.urlIndex++

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, u, nil)
	if err != nil {
		return kerr.New(kerr.KindInvalidURL, err)
	}
	if h := r.effectiveRange().Header(); h != "" {
		req.Header.Set("Range", h)
	}

	if r.callbacks.BeforeRequest != nil {
		if cbErr := r.callbacks.BeforeRequest(r.ctx, u); cbErr != nil {
			return kerr.New(kerr.KindCallbackError, cbErr)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		kerrErr := kerr.FromNetwork(err)
		r.logf(logrus.Fields{"url": u, "attempt": r.attempts, "err": kerrErr}, "connection attempt failed")
		if cbErr := r.reportResponseError(kerrErr); cbErr != nil {
			return cbErr
		}
		return kerrErr
	}

	if err := r.validate(resp); err != nil {
		resp.Body.Close()
		r.logf(logrus.Fields{"url": u, "attempt": r.attempts, "err": err}, "response validation failed")
		if cbErr := r.reportResponseError(err); cbErr != nil {
			return cbErr
		}
		return err
	}

	if r.callbacks.ResponseOK != nil {
		if cbErr := r.callbacks.ResponseOK(r.ctx, resp); cbErr != nil {
			resp.Body.Close()
			return kerr.New(kerr.KindCallbackError, cbErr)
		}
	}

	r.logf(logrus.Fields{"url": u, "attempt": r.attempts, "have_read": r.haveRead}, "connected")
	r.body = resp.Body
	return nil
}

func (r *Reader) reportResponseError(err error) error {
	if r.callbacks.ResponseError != nil {
		if cbErr := r.callbacks.ResponseError(r.ctx, err); cbErr != nil {
			return kerr.New(kerr.KindCallbackError, cbErr)
		}
	}
	return nil
}

// validate implements spec.md §4.8 step 2 and §7's MaliciousResponse
// rules: a missing ETag or a malformed Content-Length both fail the
// attempt as malicious (the next URL is then tried); an ETag that disagrees with a previously pinned one aborts
// as ContentChanged (non-recoverable, never retried).
func (r *Reader) validate(resp *http.Response) error {
	if resp.StatusCode >= 400 {
		return kerr.Newf(kerr.KindStatusCode, "download: unexpected status").WithStatusCode(resp.StatusCode)
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return kerr.Newf(kerr.KindUnexpectedStatusCode, "download: unfollowed redirect").WithStatusCode(resp.StatusCode)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return kerr.New(kerr.KindMaliciousResponse, nil)
	}
	if r.hasETag && etag != r.etag {
		return kerr.New(kerr.KindContentChanged, nil)
	}

	rawLen := resp.Header.Get("Content-Length")
	if rawLen == "" {
		return kerr.New(kerr.KindMaliciousResponse, nil)
	}
	length, err := strconv.ParseInt(rawLen, 10, 64)
	if err != nil || length < 0 {
		return kerr.New(kerr.KindMaliciousResponse, err)
	}

	r.etag = etag
	r.hasETag = true
	if !r.hasTotal {
		r.total = r.haveRead + length
		r.hasTotal = true
	}
	return nil
}

var _ io.ReadCloser = (*Reader)(nil)
