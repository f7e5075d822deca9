package resolver

import (
	"context"
	"net"
	"sync"
	"time"
)

// Cache wraps a Resolver, remembering successful lookups for TTL so the
// chooser does not hit DNS on every attempt. Mirrors the frozen-endpoint
// cache's mutex-guarded map-with-expiry shape (spec.md §5 "Chooser
// frozen-set: guarded by a rwlock").
type Cache struct {
	inner Resolver
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	ips       []net.IP
	expiresAt time.Time
}

// NewCache wraps inner with a TTL cache.
func NewCache(inner Resolver, ttl time.Duration) *Cache {
	return &Cache{inner: inner, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Resolve implements Resolver.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.ips, nil
	}

	ips, err := c.inner.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[host] = cacheEntry{ips: ips, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return ips, nil
}

// Forget evicts a cached entry, e.g. after repeated failures against the
// cached IPs.
func (c *Cache) Forget(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}
