package client

import (
	"testing"
	"time"

	"github.com/qbox-io/kodo-go-sdk/chooser"
	"github.com/qbox-io/kodo-go-sdk/kerr"
	"github.com/stretchr/testify/assert"
)

func TestDefaultRetrierTransportKinds(t *testing.T) {
	r := NewDefaultRetrier(3)
	stats := chooser.RetriedStats{}

	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindConnect, nil), stats))
	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindTimeout, nil), stats))
	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindUnknownHost, nil), stats))
	assert.Equal(t, DontRetry, r.Retry(kerr.New(kerr.KindLocalIO, nil), stats))
	assert.Equal(t, DontRetry, r.Retry(kerr.New(kerr.KindInvalidURL, nil), stats))
	assert.Equal(t, DontRetry, r.Retry(kerr.New(kerr.KindUserCanceled, nil), stats))
	assert.Equal(t, DontRetry, r.Retry(kerr.New(kerr.KindUnexpectedStatusCode, nil), stats))
}

func TestDefaultRetrierSSLBeforeAndAfterSuccess(t *testing.T) {
	r := NewDefaultRetrier(3)
	stats := chooser.RetriedStats{}

	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindSSL, nil), stats))

	r.ObserveSuccess()
	assert.Equal(t, TryAlternative, r.Retry(kerr.New(kerr.KindSSL, nil), stats))

	r.ObserveRegionSwitch()
	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindSSL, nil), stats))
}

func TestDefaultRetrierMaliciousResponseBudget(t *testing.T) {
	r := NewDefaultRetrier(2)
	stats := chooser.RetriedStats{}

	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindMaliciousResponse, nil), stats))
	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindMaliciousResponse, nil), stats))
	assert.Equal(t, DontRetry, r.Retry(kerr.New(kerr.KindMaliciousResponse, nil), stats))

	r.ObserveSuccess()
	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindMaliciousResponse, nil), stats))
}

func TestDefaultRetrierStatusCodes(t *testing.T) {
	r := NewDefaultRetrier(3)
	stats := chooser.RetriedStats{}

	assert.Equal(t, RetryThrottled, r.Retry(kerr.New(kerr.KindStatusCode, nil).WithStatusCode(509), stats))
	assert.Equal(t, TryNextServer, r.Retry(kerr.New(kerr.KindStatusCode, nil).WithStatusCode(503), stats))
	assert.Equal(t, DontRetry, r.Retry(kerr.New(kerr.KindStatusCode, nil).WithStatusCode(404), stats))
}

func TestDefaultRetrierSuggestedDelay(t *testing.T) {
	r := NewDefaultRetrier(3)
	e := kerr.New(kerr.KindStatusCode, nil).WithRetryAfter(5 * time.Second)
	assert.Equal(t, 5*time.Second, r.SuggestedDelay(e))
	assert.Equal(t, time.Duration(0), r.SuggestedDelay(kerr.New(kerr.KindConnect, nil)))
}
