// Package uploader holds the types shared by the V1 and V2 resumable
// upload engines: the parameters a caller supplies for one object, and the
// policy deciding how big each part should be (spec.md §3 "ObjectParams",
// §3 "PartSize").
package uploader

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/qbox-io/kodo-go-sdk/region"
)

// errNoRegionProvider is returned by UpEndpoints when ObjectParams carries
// no region.Provider to resolve.
var errNoRegionProvider = errors.New("uploader: ObjectParams.RegionProvider is required")

// URLSafeBase64 encodes b the way the wire protocol's path segments require
// (spec.md §6.1: "urlsafe_b64(...)").
func URLSafeBase64(b []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b)
}

// ObjectParams describes one upload's destination and metadata
// (spec.md §3 "ObjectParams").
type ObjectParams struct {
	Bucket          string
	ObjectName      string
	HasObjectName   bool
	FileName        string
	ContentType     string
	Metadata        map[string]string
	CustomVars      map[string]string
	RegionProvider  region.Provider
	UploadedPartTTL time.Duration
	// UploadTokenTTL bounds the upload token's validity (spec.md §1 treats
	// the token signer as an opaque external collaborator; this is how
	// long the policy behind it is built to last). Defaults to 1 hour.
	UploadTokenTTL time.Duration
	// OnProgress, if set, is called every time a part finishes transferring
	// (or is resumed from a journal), with the cumulative bytes uploaded
	// across all parts seen so far. It never observes a decrease, even
	// though a retried part's own byte count may (spec.md §5: "the
	// progress callback is non-decreasing over the whole upload").
	OnProgress func(uploaded, total int64, hasTotal bool)
}

// DefaultUploadTokenTTL is used when ObjectParams.UploadTokenTTL is zero.
const DefaultUploadTokenTTL = time.Hour

// UploadTokenTTLOrDefault returns params.UploadTokenTTL, or
// DefaultUploadTokenTTL if unset.
func (p ObjectParams) UploadTokenTTLOrDefault() time.Duration {
	if p.UploadTokenTTL > 0 {
		return p.UploadTokenTTL
	}
	return DefaultUploadTokenTTL
}

// ProgressTracker accumulates each part's transferred byte count behind a
// mutex, keyed by offset so a part retried after a partial transfer simply
// overwrites its own entry, and reports the running sum to an optional
// callback. The callback only ever sees the high-water mark: a part whose
// byte count is corrected downward (a retry restarting from zero) can
// lower that one entry, but the reported total never goes backwards
// (spec.md §5 "Progress map: offset → bytes_uploaded; guarded by a mutex"
// and "the progress callback is non-decreasing over the whole upload").
type ProgressTracker struct {
	mu         sync.Mutex
	byOffset   map[int64]int64
	reported   int64
	total      int64
	hasTotal   bool
	onProgress func(uploaded, total int64, hasTotal bool)
}

// NewProgressTracker builds a ProgressTracker reporting to onProgress
// (which may be nil, making Set a cheap no-op bookkeeping call).
func NewProgressTracker(total int64, hasTotal bool, onProgress func(uploaded, total int64, hasTotal bool)) *ProgressTracker {
	return &ProgressTracker{
		byOffset:   map[int64]int64{},
		total:      total,
		hasTotal:   hasTotal,
		onProgress: onProgress,
	}
}

// Set records bytes transferred for the part starting at offset and
// reports the cumulative total, or the last one reported if the new total
// is lower.
func (t *ProgressTracker) Set(offset, bytes int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.byOffset[offset] = bytes
	var sum int64
	for _, v := range t.byOffset {
		sum += v
	}
	if sum > t.reported {
		t.reported = sum
	}
	reported, total, hasTotal, cb := t.reported, t.total, t.hasTotal, t.onProgress
	t.mu.Unlock()
	if cb != nil {
		cb(reported, total, hasTotal)
	}
}

// UploadedPart is one completed or resumed part (spec.md §3
// "UploadedPart").
type UploadedPart struct {
	Offset       int64
	Size         int64
	PartNumber   int64
	HasPartNumber bool
	// ServerOpaque is the V1 ctx or the V2 etag.
	ServerOpaque string
	Resumed      bool
}

// Result is what a completed upload returns to the caller.
type Result struct {
	Hash string
	Key  string
}

// PartSizeProvider decides how large the next part should be, given how
// much of the source remains. Implementations may adapt the size from
// past transfer measurements (spec.md §4.5/§4.6: "the partition provider
// determines the size within the clamp").
type PartSizeProvider interface {
	// NextPartSize returns the size to request for the next part, given
	// the number of bytes left to read (remaining may be -1 if unknown).
	NextPartSize(remaining int64) int64
	// Feedback reports how long a part of size bytes took, and whether it
	// failed, so an adaptive provider can adjust.
	Feedback(size int64, elapsed time.Duration, failed bool)
}

// FixedPartSize always requests the same size, clamped to [min, max].
type FixedPartSize struct {
	Size int64
	Min  int64
	Max  int64
}

// NextPartSize implements PartSizeProvider.
func (f FixedPartSize) NextPartSize(remaining int64) int64 {
	size := f.Size
	if f.Min > 0 && size < f.Min {
		size = f.Min
	}
	if f.Max > 0 && size > f.Max {
		size = f.Max
	}
	if remaining >= 0 && size > remaining {
		size = remaining
	}
	return size
}

// Feedback implements PartSizeProvider: FixedPartSize ignores measurements.
func (FixedPartSize) Feedback(int64, time.Duration, bool) {}

// AdaptivePartSize grows the part size after fast, successful parts and
// shrinks it after slow or failed ones, clamped to [Min, Max]
// (SPEC_FULL.md §3, grounded on the original Rust SDK's auto part-size
// chooser).
type AdaptivePartSize struct {
	Min, Max int64
	current  int64
}

// NewAdaptivePartSize builds an AdaptivePartSize starting at min.
func NewAdaptivePartSize(min, max int64) *AdaptivePartSize {
	return &AdaptivePartSize{Min: min, Max: max, current: min}
}

// NextPartSize implements PartSizeProvider.
func (a *AdaptivePartSize) NextPartSize(remaining int64) int64 {
	if a.current == 0 {
		a.current = a.Min
	}
	size := a.current
	if size < a.Min {
		size = a.Min
	}
	if size > a.Max {
		size = a.Max
	}
	if remaining >= 0 && size > remaining {
		size = remaining
	}
	return size
}

// Feedback implements PartSizeProvider: halves the size after a failure,
// doubles it after a part that transferred faster than 4 MiB/s, otherwise
// leaves it unchanged.
func (a *AdaptivePartSize) Feedback(size int64, elapsed time.Duration, failed bool) {
	if a.current == 0 {
		a.current = a.Min
	}
	if failed {
		a.current /= 2
	} else if elapsed > 0 {
		const fastThroughput = 4 << 20 // 4 MiB/s
		if float64(size)/elapsed.Seconds() > fastThroughput {
			a.current *= 2
		}
	}
	if a.current < a.Min {
		a.current = a.Min
	}
	if a.current > a.Max {
		a.current = a.Max
	}
}

var (
	_ PartSizeProvider = FixedPartSize{}
	_ PartSizeProvider = (*AdaptivePartSize)(nil)
)

// UpEndpoints resolves the up-service endpoint list for one object's
// region provider, per spec.md §4.5/§4.6 step 1 ("resolve up-endpoints").
func UpEndpoints(params ObjectParams) (region.List, error) {
	if params.RegionProvider == nil {
		return region.List{}, errNoRegionProvider
	}
	regions, err := params.RegionProvider.Regions()
	if err != nil {
		return region.List{}, err
	}
	if len(regions) == 0 {
		return region.List{}, errNoRegionProvider
	}
	return regions[0].Endpoints(region.ServiceUp), nil
}

// EndpointHosts flattens a region.List into its host/IP strings, used to
// test whether a journal's recorded up_endpoints still intersects the
// current request's endpoints (spec.md §3 invariant).
func EndpointHosts(list region.List) []string {
	hosts := make([]string, 0, len(list.Preferred)+len(list.Alternative))
	for _, ep := range list.Preferred {
		hosts = append(hosts, ep.Host())
	}
	for _, ep := range list.Alternative {
		hosts = append(hosts, ep.Host())
	}
	return hosts
}

// Intersects reports whether a and b share at least one element.
func Intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}
