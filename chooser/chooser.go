// Package chooser picks live endpoints and learns which hosts are healthy
// from request feedback (spec.md §4.2).
package chooser

import (
	"context"
	"net"

	"github.com/qbox-io/kodo-go-sdk/region"
)

// Decision is the result of a Choose/ChooseIPs call.
type Decision int

const (
	// DecisionUseDirect means use the domain directly (no IP resolution
	// needed / resolution succeeded and the caller should dial the
	// returned IPs).
	DecisionUseDirect Decision = iota
	// DecisionTryAnother means this endpoint is unusable right now (e.g.
	// frozen); the caller should move to the next endpoint in the list.
	DecisionTryAnother
)

// RetriedStats is updated monotonically across one API call's attempts
// (spec.md §3 "RetriedStatsInfo").
type RetriedStats struct {
	TotalRetries                 int
	RetriesOnCurrentEndpoint     int
	RetriesOnCurrentIPs          int
	AbandonedEndpoints           int
	AbandonedIPsOfCurrentEndpoint int
	SwitchedToAlternative        bool
}

// SwitchEndpoint resets the per-endpoint counters; called whenever the
// pipeline moves to a new candidate endpoint (spec.md §3: "never decreases
// except for the per-endpoint counters when the endpoint changes").
func (s *RetriedStats) SwitchEndpoint() {
	s.RetriesOnCurrentEndpoint = 0
	s.RetriesOnCurrentIPs = 0
}

// Feedback reports the outcome of one attempt against endpoint back to the
// Chooser (spec.md §3 "ChooserFeedback").
type Feedback struct {
	Endpoint region.Endpoint
	Stats    RetriedStats
	Err      error
}

// Chooser resolves a domain to candidate IPs, or approves/vetoes an
// explicit IP endpoint, and learns from feedback which hosts are healthy.
type Chooser interface {
	// Choose resolves host to candidate IPs. If ignoreFrozen is false and
	// host is currently frozen, it returns DecisionTryAnother.
	Choose(ctx context.Context, host string, ignoreFrozen bool) (Decision, []net.IP, error)
	// ChooseIPs approves or vetoes a literal IP endpoint the same way.
	ChooseIPs(ctx context.Context, ip net.IP, ignoreFrozen bool) (Decision, error)
	// Feedback reports an attempt's outcome; a nil Err unfreezes the
	// endpoint, a non-nil Err freezes it for a TTL chosen by the Chooser.
	Feedback(fb Feedback)
}
