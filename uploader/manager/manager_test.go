package manager

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qbox-io/kodo-go-sdk/apis"
	"github.com/qbox-io/kodo-go-sdk/chooser"
	"github.com/qbox-io/kodo-go-sdk/client"
	"github.com/qbox-io/kodo-go-sdk/credential"
	"github.com/qbox-io/kodo-go-sdk/datasource"
	"github.com/qbox-io/kodo-go-sdk/pacer"
	"github.com/qbox-io/kodo-go-sdk/recorder"
	"github.com/qbox-io/kodo-go-sdk/region"
	"github.com/qbox-io/kodo-go-sdk/resolver"
	"github.com/qbox-io/kodo-go-sdk/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUpEndpoints(t *testing.T, srv *httptest.Server) region.List {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return region.NewList(region.DomainPort(host, port).WithHTTP())
}

func testPipeline(srv *httptest.Server) *client.Pipeline {
	u, _ := url.Parse(srv.URL)
	host, _, _ := net.SplitHostPort(u.Host)
	res := resolver.Static{IPs: map[string][]net.IP{host: {net.ParseIP("127.0.0.1")}}}
	ch := chooser.NewBasic(res, time.Minute)
	p := client.NewPipeline(ch, client.SignerFunc(func(*http.Request, []byte) (string, error) {
		return "QBox unused:unused", nil
	}))
	p.Backoff = pacer.NoBackoff{}
	return p
}

func testSigner() *credential.Signer {
	return credential.NewSigner(credential.Credential{AccessKey: "ak", SecretKey: "sk"})
}

func newTempFile(t *testing.T, size int) string {
	tmp, err := ioutil.TempFile("", "mgrsrc-*")
	require.NoError(t, err)
	_, err = tmp.Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	t.Cleanup(func() { os.Remove(tmp.Name()) })
	return tmp.Name()
}

func TestUploadWithVersionDispatchesV1(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mkblk/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		w.Header().Set(client.RequiredResponseHeader, "reqid-mkblk")
		raw, _ := json.Marshal(apis.V1MkblkResponse{Ctx: "ctx-" + strconv.Itoa(len(body)), Offset: int64(len(body))})
		w.Write(raw)
	})
	mux.HandleFunc("/mkfile/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(client.RequiredResponseHeader, "reqid-mkfile")
		raw, _ := json.Marshal(apis.V1MkfileResponse{Hash: "v1hash", Key: "obj-key"})
		w.Write(raw)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir, err := ioutil.TempDir("", "mgr-v1-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	rec, err := recorder.NewFileSystem(dir)
	require.NoError(t, err)

	src, err := datasource.NewFilePath(newTempFile(t, 10<<20))
	require.NoError(t, err)

	mgr := New(testPipeline(srv), testSigner(), rec)
	params := uploader.ObjectParams{
		Bucket:         "bucket1",
		ObjectName:     "obj-key",
		HasObjectName:  true,
		RegionProvider: region.NewStatic(region.NewRegion("z0").With(region.ServiceUp, testUpEndpoints(t, srv))),
	}

	out, err := mgr.UploadWithVersion(context.Background(), src, params, V1)
	require.NoError(t, err)
	assert.Equal(t, "v1hash", out.Hash)
	assert.Equal(t, "obj-key", out.Key)
}

func TestUploadWithVersionDispatchesV2(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/buckets/bucket1/objects/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(client.RequiredResponseHeader, "reqid-v2")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/uploads"):
			raw, _ := json.Marshal(apis.V2InitResponse{UploadID: "upload-1", ExpireAt: time.Now().Add(time.Hour).Unix()})
			w.Write(raw)
		case r.Method == http.MethodPut:
			body, _ := ioutil.ReadAll(r.Body)
			raw, _ := json.Marshal(apis.V2UploadPartResponse{Etag: "etag-" + strconv.Itoa(len(body))})
			w.Write(raw)
		case r.Method == http.MethodPost:
			raw, _ := json.Marshal(apis.V2CompleteResponse{Hash: "v2hash", Key: "obj-key"})
			w.Write(raw)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir, err := ioutil.TempDir("", "mgr-v2-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	rec, err := recorder.NewFileSystem(dir)
	require.NoError(t, err)

	src, err := datasource.NewFilePath(newTempFile(t, 2<<20))
	require.NoError(t, err)

	mgr := New(testPipeline(srv), testSigner(), rec)
	mgr.PreferredVersion = V2
	params := uploader.ObjectParams{
		Bucket:         "bucket1",
		ObjectName:     "obj-key",
		HasObjectName:  true,
		RegionProvider: region.NewStatic(region.NewRegion("z0").With(region.ServiceUp, testUpEndpoints(t, srv))),
	}

	out, err := mgr.Upload(context.Background(), src, params)
	require.NoError(t, err)
	assert.Equal(t, "v2hash", out.Hash)
}

func TestUploadV1ReportsMonotonicProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mkblk/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		w.Header().Set(client.RequiredResponseHeader, "reqid-mkblk")
		raw, _ := json.Marshal(apis.V1MkblkResponse{Ctx: "ctx-" + strconv.Itoa(len(body)), Offset: int64(len(body))})
		w.Write(raw)
	})
	mux.HandleFunc("/mkfile/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(client.RequiredResponseHeader, "reqid-mkfile")
		raw, _ := json.Marshal(apis.V1MkfileResponse{Hash: "v1hash", Key: "obj-key"})
		w.Write(raw)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir, err := ioutil.TempDir("", "mgr-progress-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	rec, err := recorder.NewFileSystem(dir)
	require.NoError(t, err)

	src, err := datasource.NewFilePath(newTempFile(t, 10<<20)) // 3 parts: 4, 4, 2 MiB
	require.NoError(t, err)

	var mu sync.Mutex
	var reported []int64
	mgr := New(testPipeline(srv), testSigner(), rec)
	params := uploader.ObjectParams{
		Bucket:         "bucket1",
		ObjectName:     "obj-key",
		HasObjectName:  true,
		RegionProvider: region.NewStatic(region.NewRegion("z0").With(region.ServiceUp, testUpEndpoints(t, srv))),
		OnProgress: func(uploaded, total int64, hasTotal bool) {
			mu.Lock()
			reported = append(reported, uploaded)
			mu.Unlock()
			assert.True(t, hasTotal)
			assert.EqualValues(t, 10<<20, total)
		},
	}

	_, err = mgr.UploadWithVersion(context.Background(), src, params, V1)
	require.NoError(t, err)

	// V1 now transfers its blocks concurrently (like V2), so the exact
	// per-call values depend on completion order; only the non-decreasing
	// invariant and the final total are guaranteed (spec.md §5).
	require.Len(t, reported, 3)
	for i := 1; i < len(reported); i++ {
		assert.GreaterOrEqual(t, reported[i], reported[i-1])
	}
	assert.EqualValues(t, 10<<20, reported[len(reported)-1])
}
