// Package resolver resolves domain endpoints to candidate IPs for the
// chooser (spec.md §4.2).
package resolver

import (
	"context"
	"net"

	"github.com/qbox-io/kodo-go-sdk/kerr"
)

// Resolver resolves a host to a set of candidate IPs. Failures are
// classified via kerr so the caller can tell a transient DNS hiccup
// (retry-same) from an unresolvable host (try-next).
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// Net is the default Resolver, backed by net.DefaultResolver (injectable
// for tests, the way rclone's Resolver-shaped interfaces wrap net.Resolver
// rather than calling net.LookupIP directly).
type Net struct {
	Resolver *net.Resolver
}

// NewNet builds a Net resolver using net.DefaultResolver.
func NewNet() *Net {
	return &Net{Resolver: net.DefaultResolver}
}

// Resolve implements Resolver.
func (n *Net) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	r := n.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if e, ok := err.(*net.DNSError); ok {
			dnsErr = e
		}
		if dnsErr != nil && dnsErr.IsNotFound {
			return nil, kerr.New(kerr.KindUnknownHost, err)
		}
		return nil, kerr.New(kerr.KindTimeout, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Static always resolves to a fixed slice, for tests.
type Static struct {
	IPs map[string][]net.IP
}

// Resolve implements Resolver.
func (s Static) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	ips, ok := s.IPs[host]
	if !ok {
		return nil, kerr.New(kerr.KindUnknownHost, nil)
	}
	return ips, nil
}
