package downloader

import (
	"context"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Downloader is the entry point applications drive a whole-object download
// through, mirroring uploader/manager.Manager's relationship to the V1/V2
// upload engines: Reader implements the low-level io.ReadCloser contract
// over one candidate-URL set, and Downloader wraps it with a one-shot
// "copy everything to dst" call plus its Async twin (SPEC_FULL.md §1 "Async
// surface parity").
type Downloader struct {
	// Client is used for every GET when the caller passes nil to
	// Download/DownloadAsync; nil means http.DefaultClient.
	Client *http.Client
	// MaxAttempts is forwarded to the Reader it builds; zero means
	// DefaultMaxAttempts.
	MaxAttempts int
	// Log is forwarded to the Reader it builds (SPEC_FULL.md §1 "Logging").
	Log logrus.FieldLogger
}

// NewDownloader builds a Downloader using client for every GET (nil means
// http.DefaultClient), logging through logrus.StandardLogger().
func NewDownloader(client *http.Client) *Downloader {
	return &Downloader{Client: client, Log: logrus.StandardLogger()}
}

// Result is what Download/DownloadAsync report once a download finishes.
type Result struct {
	// BytesRead is the cumulative byte count written to dst.
	BytesRead int64
}

// Download streams urls/rng through a Reader and copies every byte to dst,
// returning once the object (or requested range) has been fully read or an
// unrecoverable error occurs. client overrides d.Client for this call when
// non-nil.
func (d *Downloader) Download(ctx context.Context, client *http.Client, urls []string, rng Range, dst io.Writer, callbacks Callbacks) (Result, error) {
	if client == nil {
		client = d.Client
	}
	rd := NewReader(ctx, client, urls, rng, callbacks)
	if d.MaxAttempts > 0 {
		rd.MaxAttempts = d.MaxAttempts
	}
	rd.Log = d.Log
	defer rd.Close()

	n, err := io.Copy(dst, rd)
	return Result{BytesRead: n}, err
}

// DownloadResult pairs Result with the error a blocking Download call would
// have returned, delivered once on DownloadAsync's channel.
type DownloadResult struct {
	Result
	Err error
}

// DownloadAsync runs Download on a background goroutine, delivering exactly
// one DownloadResult on the returned channel before closing it. Canceling
// ctx aborts the download early the same way it would for a blocking call;
// the result's Err then carries the cancellation.
func (d *Downloader) DownloadAsync(ctx context.Context, client *http.Client, urls []string, rng Range, dst io.Writer, callbacks Callbacks) <-chan DownloadResult {
	ch := make(chan DownloadResult, 1)
	go func() {
		result, err := d.Download(ctx, client, urls, rng, dst, callbacks)
		ch <- DownloadResult{Result: result, Err: err}
		close(ch)
	}()
	return ch
}
