package downloader

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/qbox-io/kodo-go-sdk/kerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderHappyPathSingleURL(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	rd := NewReader(context.Background(), srv.Client(), []string{srv.URL}, Range{}, Callbacks{})
	got, err := ioutil.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.EqualValues(t, len(content), rd.HaveRead())
	etag, ok := rd.ETag()
	assert.True(t, ok)
	assert.Equal(t, `"abc123"`, etag)
}

// TestReaderFailoverMidStream exercises spec.md §8 scenario 3: a
// connection breaks part way through, and the Reader must resume from
// the next URL at the advanced offset, pinning the same ETag, and
// concatenate into the original content with no gaps or duplication.
func TestReaderFailoverMidStream(t *testing.T) {
	content := make([]byte, 256*1024)
	for i := range content {
		content[i] = byte(i)
	}
	const etag = `"stable-etag"`

	// First server: always closes the connection after writing half its
	// body, simulating a mid-stream transport failure.
	var brokenHits int
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenHits++
		from := rangeFrom(t, r)
		remaining := content[from:]
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Length", strconv.Itoa(len(remaining)))
		w.WriteHeader(http.StatusOK)
		half := len(remaining) / 2
		w.Write(remaining[:half])
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer broken.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from := rangeFrom(t, r)
		remaining := content[from:]
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Length", strconv.Itoa(len(remaining)))
		w.Write(remaining)
	}))
	defer good.Close()

	rd := NewReader(context.Background(), http.DefaultClient, []string{broken.URL, good.URL}, Range{}, Callbacks{})
	got, err := ioutil.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	e, ok := rd.ETag()
	assert.True(t, ok)
	assert.Equal(t, etag, e)
}

// TestReaderFailsOverWhenFirstURLNeverConnects exercises the case where the
// first candidate URL is unreachable from the very first attempt (not just
// broken mid-stream): the Reader must still cycle to the next URL instead
// of surfacing the first connection failure immediately.
func TestReaderFailsOverWhenFirstURLNeverConnects(t *testing.T) {
	content := []byte("hello from the second mirror")
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"e"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer good.Close()

	// deadURL points at a closed listener, so every connection attempt
	// fails immediately with a connection-refused error.
	deadListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadURL := "http://" + deadListener.Addr().String()
	require.NoError(t, deadListener.Close())

	rd := NewReader(context.Background(), http.DefaultClient, []string{deadURL, good.URL}, Range{}, Callbacks{})
	got, err := ioutil.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func rangeFrom(t *testing.T, r *http.Request) int64 {
	t.Helper()
	h := r.Header.Get("Range")
	if h == "" {
		return 0
	}
	var from int64
	_, err := fscanRange(h, &from)
	require.NoError(t, err)
	return from
}

// fscanRange parses "bytes=<from>-" into from; the test servers never
// receive a closed range in this file.
func fscanRange(h string, from *int64) (int, error) {
	const prefix = "bytes="
	if len(h) <= len(prefix) {
		return 0, io.ErrUnexpectedEOF
	}
	rest := h[len(prefix):]
	dash := -1
	for i, c := range rest {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v, err := strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil {
		return 0, err
	}
	*from = v
	return 1, nil
}

func TestReaderETagMismatchIsContentChanged(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusOK)
			w.Write(make([]byte, 4))
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Content-Length", "6")
		w.Write(make([]byte, 6))
	}))
	defer srv.Close()

	rd := NewReader(context.Background(), http.DefaultClient, []string{srv.URL}, Range{}, Callbacks{})
	_, err := ioutil.ReadAll(rd)
	require.Error(t, err)
	assert.Equal(t, kerr.KindContentChanged, kerr.KindOf(err))
}

func TestReaderMissingETagIsMalicious(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	rd := NewReader(context.Background(), http.DefaultClient, []string{srv.URL}, Range{}, Callbacks{})
	_, err := ioutil.ReadAll(rd)
	require.Error(t, err)
	assert.Equal(t, kerr.KindMaliciousResponse, kerr.KindOf(err))
}

func TestReaderMalformedContentLengthIsMalicious(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"x"`)
		w.Header().Set("Content-Length", "not-a-number")
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	rd := NewReader(context.Background(), http.DefaultClient, []string{srv.URL}, Range{}, Callbacks{})
	_, err := ioutil.ReadAll(rd)
	require.Error(t, err)
	assert.Equal(t, kerr.KindMaliciousResponse, kerr.KindOf(err))
}

func TestReaderRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=10-20", Range{From: 10, HasFrom: true, To: 20, HasTo: true}.Header())
	assert.Equal(t, "bytes=10-", Range{From: 10, HasFrom: true}.Header())
	assert.Equal(t, "bytes=0-20", Range{To: 20, HasTo: true}.Header())
	assert.Equal(t, "", Range{}.Header())
}

func TestReaderHonorsRequestedRange(t *testing.T) {
	content := []byte("0123456789")
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("ETag", `"e"`)
		w.Header().Set("Content-Length", "4")
		w.Write(content[2:6])
	}))
	defer srv.Close()

	rd := NewReader(context.Background(), http.DefaultClient, []string{srv.URL}, Range{From: 2, HasFrom: true, To: 5, HasTo: true}, Callbacks{})
	got, err := ioutil.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, content[2:6], got)
	assert.Equal(t, "bytes=2-5", gotRange)
}

func TestReaderAllURLsFailedAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rd := NewReader(context.Background(), http.DefaultClient, []string{srv.URL}, Range{}, Callbacks{})
	rd.MaxAttempts = 2
	_, err := ioutil.ReadAll(rd)
	require.Error(t, err)
	assert.Equal(t, kerr.KindStatusCode, kerr.KindOf(err))
}

func TestReaderCallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"e"`)
		w.Header().Set("Content-Length", "4")
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	boom := assertErr{}
	rd := NewReader(context.Background(), http.DefaultClient, []string{srv.URL}, Range{}, Callbacks{
		BeforeRequest: func(ctx context.Context, url string) error { return boom },
	})
	_, err := ioutil.ReadAll(rd)
	require.Error(t, err)
	assert.Equal(t, kerr.KindCallbackError, kerr.KindOf(err))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
