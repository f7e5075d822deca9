package chooser

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/qbox-io/kodo-go-sdk/region"
	"github.com/qbox-io/kodo-go-sdk/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseResolvesViaResolver(t *testing.T) {
	r := resolver.Static{IPs: map[string][]net.IP{"up.example.com": {net.ParseIP("1.2.3.4")}}}
	c := NewBasic(r, time.Minute)
	decision, ips, err := c.Choose(context.Background(), "up.example.com", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionUseDirect, decision)
	assert.Equal(t, "1.2.3.4", ips[0].String())
}

func TestFeedbackFreezesEndpoint(t *testing.T) {
	r := resolver.Static{IPs: map[string][]net.IP{"bad.example.com": {net.ParseIP("1.1.1.1")}}}
	c := NewBasic(r, 50*time.Millisecond)
	ep := region.DomainPort("bad.example.com", 0)

	c.Feedback(Feedback{Endpoint: ep, Err: errors.New("boom")})
	assert.True(t, c.IsFrozen("bad.example.com"))

	decision, _, err := c.Choose(context.Background(), "bad.example.com", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionTryAnother, decision)

	// ignoreFrozen bypasses the freeze.
	decision, _, err = c.Choose(context.Background(), "bad.example.com", true)
	require.NoError(t, err)
	assert.Equal(t, DecisionUseDirect, decision)
}

func TestFeedbackSuccessUnfreezes(t *testing.T) {
	r := resolver.Static{IPs: map[string][]net.IP{"h": {net.ParseIP("1.1.1.1")}}}
	c := NewBasic(r, time.Minute)
	ep := region.DomainPort("h", 0)
	c.Feedback(Feedback{Endpoint: ep, Err: errors.New("boom")})
	assert.True(t, c.IsFrozen("h"))
	c.Feedback(Feedback{Endpoint: ep, Err: nil})
	assert.False(t, c.IsFrozen("h"))
}

func TestFreezeExpiresAfterTTL(t *testing.T) {
	r := resolver.Static{IPs: map[string][]net.IP{"h": {net.ParseIP("1.1.1.1")}}}
	c := NewBasic(r, 10*time.Millisecond)
	ep := region.DomainPort("h", 0)
	c.Feedback(Feedback{Endpoint: ep, Err: errors.New("boom")})
	assert.True(t, c.IsFrozen("h"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.IsFrozen("h"))
}

func TestRetriedStatsSwitchEndpointResetsPerEndpointCounters(t *testing.T) {
	s := RetriedStats{TotalRetries: 5, RetriesOnCurrentEndpoint: 3, RetriesOnCurrentIPs: 2}
	s.SwitchEndpoint()
	assert.Equal(t, 5, s.TotalRetries)
	assert.Equal(t, 0, s.RetriesOnCurrentEndpoint)
	assert.Equal(t, 0, s.RetriesOnCurrentIPs)
}
