package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloaderDownloadCopiesEverything(t *testing.T) {
	content := []byte("the entire object, streamed through Download")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"e"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	d := NewDownloader(http.DefaultClient)
	var buf bytes.Buffer
	result, err := d.Download(context.Background(), nil, []string{srv.URL}, Range{}, &buf, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
	assert.EqualValues(t, len(content), result.BytesRead)
}

func TestDownloaderDownloadAsyncDeliversOnce(t *testing.T) {
	content := []byte("asynchronously delivered bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"e"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	d := NewDownloader(http.DefaultClient)
	var buf bytes.Buffer
	ch := d.DownloadAsync(context.Background(), nil, []string{srv.URL}, Range{}, &buf, Callbacks{})

	select {
	case result, ok := <-ch:
		require.True(t, ok)
		require.NoError(t, result.Err)
		assert.Equal(t, content, buf.Bytes())
		assert.EqualValues(t, len(content), result.BytesRead)
	case <-time.After(5 * time.Second):
		t.Fatal("DownloadAsync never delivered a result")
	}

	// the channel is closed after delivering its one result.
	_, ok := <-ch
	assert.False(t, ok)
}
