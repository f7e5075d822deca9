package chooser

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/qbox-io/kodo-go-sdk/resolver"
)

// Basic is the default Chooser: it resolves hosts via a Resolver and keeps
// a frozen-set keyed by endpoint with a per-entry expiry, guarded by an
// rwlock (spec.md §5 "Chooser frozen-set: guarded by a rwlock").
type Basic struct {
	resolver  resolver.Resolver
	freezeTTL time.Duration

	mu     sync.RWMutex
	frozen map[string]time.Time
}

// NewBasic builds a Basic chooser. freezeTTL is the duration an endpoint
// stays frozen after a failure feedback.
func NewBasic(r resolver.Resolver, freezeTTL time.Duration) *Basic {
	if freezeTTL <= 0 {
		freezeTTL = 10 * time.Minute
	}
	return &Basic{resolver: r, freezeTTL: freezeTTL, frozen: make(map[string]time.Time)}
}

func (b *Basic) isFrozen(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	until, ok := b.frozen[key]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

func endpointKey(host string) string { return host }

func ipKey(ip net.IP) string { return ip.String() }

// Choose implements Chooser.
func (b *Basic) Choose(ctx context.Context, host string, ignoreFrozen bool) (Decision, []net.IP, error) {
	if !ignoreFrozen && b.isFrozen(endpointKey(host)) {
		return DecisionTryAnother, nil, nil
	}
	ips, err := b.resolver.Resolve(ctx, host)
	if err != nil {
		return DecisionTryAnother, nil, err
	}
	return DecisionUseDirect, ips, nil
}

// ChooseIPs implements Chooser.
func (b *Basic) ChooseIPs(ctx context.Context, ip net.IP, ignoreFrozen bool) (Decision, error) {
	if !ignoreFrozen && b.isFrozen(ipKey(ip)) {
		return DecisionTryAnother, nil
	}
	return DecisionUseDirect, nil
}

// Feedback implements Chooser: a nil error unfreezes the endpoint's host
// key; a non-nil error freezes it for freezeTTL.
func (b *Basic) Feedback(fb Feedback) {
	key := endpointKey(fb.Endpoint.Host())
	b.mu.Lock()
	defer b.mu.Unlock()
	if fb.Err == nil {
		delete(b.frozen, key)
		return
	}
	b.frozen[key] = time.Now().Add(b.freezeTTL)
}

// IsFrozen reports whether host is currently frozen, for tests and
// observability.
func (b *Basic) IsFrozen(host string) bool {
	return b.isFrozen(endpointKey(host))
}

var _ Chooser = (*Basic)(nil)
