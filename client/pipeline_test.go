package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qbox-io/kodo-go-sdk/chooser"
	"github.com/qbox-io/kodo-go-sdk/kerr"
	"github.com/qbox-io/kodo-go-sdk/pacer"
	"github.com/qbox-io/kodo-go-sdk/region"
	"github.com/qbox-io/kodo-go-sdk/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constSigner() Signer {
	return SignerFunc(func(req *http.Request, body []byte) (string, error) {
		return "QBox test:sig", nil
	})
}

func endpointFor(t *testing.T, srv *httptest.Server) (region.Endpoint, *chooser.Basic) {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	res := resolver.Static{IPs: map[string][]net.IP{host: {net.ParseIP("127.0.0.1")}}}
	ch := chooser.NewBasic(res, 50*time.Millisecond)
	ep := region.DomainPort(host, port).WithHTTP()
	return ep, ch
}

func newTestPipeline(ch chooser.Chooser) *Pipeline {
	p := NewPipeline(ch, constSigner())
	p.Backoff = pacer.NoBackoff{}
	return p
}

func TestPipelineSucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequiredResponseHeader, "reqid-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, ch := endpointFor(t, srv)
	p := newTestPipeline(ch)

	var before, signed, success int32
	p.Callbacks = Callbacks{
		BeforeRequest:      func(ctx context.Context, id AttemptID, req *http.Request) error { atomic.AddInt32(&before, 1); return nil },
		AfterRequestSigned: func(ctx context.Context, id AttemptID, req *http.Request) error { atomic.AddInt32(&signed, 1); return nil },
		OnSuccess:          func(ctx context.Context, id AttemptID, resp *http.Response) error { atomic.AddInt32(&success, 1); return nil },
	}

	resp, err := p.Do(context.Background(), region.NewList(ep), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&before))
	assert.EqualValues(t, 1, atomic.LoadInt32(&signed))
	assert.EqualValues(t, 1, atomic.LoadInt32(&success))
}

func TestPipelineFailsOverToSecondEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequiredResponseHeader, "reqid-bad")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequiredResponseHeader, "reqid-good")
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	badEp, ch := endpointFor(t, bad)
	goodEp, _ := endpointFor(t, good)
	p := newTestPipeline(ch)

	resp, err := p.Do(context.Background(), region.NewList(badEp, goodEp), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPipelineRetriesInPlaceOnThrottle(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set(RequiredResponseHeader, "reqid-throttle")
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(509)
			return
		}
		w.Header().Set(RequiredResponseHeader, "reqid-ok")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, ch := endpointFor(t, srv)
	p := newTestPipeline(ch)

	resp, err := p.Do(context.Background(), region.NewList(ep), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestPipelineAllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequiredResponseHeader, "reqid-fail")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep, ch := endpointFor(t, srv)
	p := newTestPipeline(ch)

	_, err := p.Do(context.Background(), region.NewList(ep), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, kerr.KindStatusCode, kerr.KindOf(err))
}

func TestPipelineNoEndpointsTried(t *testing.T) {
	ch := chooser.NewBasic(resolver.Static{}, time.Minute)
	p := newTestPipeline(ch)

	_, err := p.Do(context.Background(), region.List{}, Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, kerr.KindNoURLTried, kerr.KindOf(err))
}

func TestPipelineFreezesFailingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequiredResponseHeader, "reqid-fail")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep, ch := endpointFor(t, srv)
	p := newTestPipeline(ch)

	_, err := p.Do(context.Background(), region.NewList(ep), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.True(t, ch.IsFrozen(ep.Host()))
}
