package kerr

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromNetworkNil(t *testing.T) {
	assert.Nil(t, FromNetwork(nil))
}

func TestFromNetworkPreservesExistingKerrError(t *testing.T) {
	e := New(KindStatusCode, nil)
	got := FromNetwork(e)
	assert.Equal(t, e, got)
}

func TestFromNetworkContextCanceled(t *testing.T) {
	got := FromNetwork(context.Canceled)
	assert.Equal(t, KindTimeout, got.Kind)
}

// TestFromNetworkClassifiesARealCertificateFailure exercises an actual TLS
// handshake against a server presenting a certificate the client does not
// trust, rather than hand-constructing kerr.New(kerr.KindSSL, nil): this is
// the scenario spec.md §4.3's TryAlternative-after-success rule is meant to
// reach.
func TestFromNetworkClassifiesARealCertificateFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A client with no custom TLS config does not trust srv's self-signed
	// certificate, so the handshake fails with a verification error.
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{}}}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, doErr := client.Do(req)
	require.Error(t, doErr)

	classified := FromNetwork(doErr)
	assert.Equal(t, KindSSL, classified.Kind)
}
