// Package region models endpoints and regions (spec.md §3 "Endpoint",
// "Region").
package region

import "fmt"

// Endpoint is a tagged variant over a domain+port or an IP+port target.
// Go has no sum types, so this follows spec.md §9's guidance ("a tagged
// variant per built-in implementation... is acceptable") with a kind tag
// plus the two payload fields.
type Endpoint struct {
	kind      endpointKind
	host      string
	port      int
	useHTTPS  bool
	httpsSet  bool
}

type endpointKind int

const (
	kindDomain endpointKind = iota
	kindIP
)

// DomainPort builds an Endpoint addressed by domain name. Port 0 means
// "use the scheme default".
func DomainPort(host string, port int) Endpoint {
	return Endpoint{kind: kindDomain, host: host, port: port}
}

// IPPort builds an Endpoint addressed by literal IP.
func IPPort(ip string, port int) Endpoint {
	return Endpoint{kind: kindIP, host: ip, port: port}
}

// WithHTTP marks the endpoint as explicitly HTTP (the preferred scheme is
// HTTPS unless this is called, per spec.md §3).
func (e Endpoint) WithHTTP() Endpoint {
	e.useHTTPS = false
	e.httpsSet = true
	return e
}

// WithHTTPS marks the endpoint as explicitly HTTPS.
func (e Endpoint) WithHTTPS() Endpoint {
	e.useHTTPS = true
	e.httpsSet = true
	return e
}

// IsDomain reports whether this endpoint is a DomainPort variant.
func (e Endpoint) IsDomain() bool { return e.kind == kindDomain }

// Host returns the domain name or literal IP.
func (e Endpoint) Host() string { return e.host }

// Port returns the configured port, or 0 if unset.
func (e Endpoint) Port() int { return e.port }

// Scheme returns "https" unless WithHTTP was explicitly called.
func (e Endpoint) Scheme() string {
	if e.httpsSet && !e.useHTTPS {
		return "http"
	}
	return "https"
}

// HostPort returns "host" or "host:port" suitable for a URL authority.
func (e Endpoint) HostPort() string {
	if e.port == 0 {
		return e.host
	}
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Scheme(), e.HostPort())
}

// Equal compares two endpoints by their addressing fields.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.kind == o.kind && e.host == o.host && e.port == o.port
}

// List holds a preferred ordered endpoint set plus an alternative set used
// only after the preferred set is exhausted (spec.md §4.2 step 4).
type List struct {
	Preferred   []Endpoint
	Alternative []Endpoint
}

// NewList builds a List with only a preferred set.
func NewList(preferred ...Endpoint) List {
	return List{Preferred: preferred}
}

// WithAlternative attaches an alternative endpoint set.
func (l List) WithAlternative(alt ...Endpoint) List {
	l.Alternative = alt
	return l
}

// IsEmpty reports whether both endpoint sets are empty.
func (l List) IsEmpty() bool {
	return len(l.Preferred) == 0 && len(l.Alternative) == 0
}
