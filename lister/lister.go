// Package lister enumerates a bucket's objects over either the rsf V1
// paginated protocol or the rsf V2 streaming protocol behind one
// iterator contract (spec.md §4.9 "Bucket Lister").
package lister

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/qbox-io/kodo-go-sdk/apis"
	"github.com/qbox-io/kodo-go-sdk/client"
	"github.com/qbox-io/kodo-go-sdk/internal/rpc"
	"github.com/qbox-io/kodo-go-sdk/kerr"
	"github.com/qbox-io/kodo-go-sdk/region"
)

// Params are the parameters common to both listing protocols
// (spec.md §4.9 "Common parameters").
type Params struct {
	Bucket    string
	Prefix    string
	Marker    string
	Limit     int // 0 means unbounded
	NeedParts bool
}

// Lister is the one iterator contract both protocol versions satisfy:
// Next yields one object at a time, (ObjectEntry{}, false, nil) at the
// end of the listing, and a non-nil error on failure. Marker reports the
// position to resume from if the caller persists it and restarts later.
type Lister interface {
	Next(ctx context.Context) (apis.ObjectEntry, bool, error)
	Marker() string
}

// RsfEndpoints resolves the rsf-service endpoint list for a region
// provider, mirroring uploader.UpEndpoints for the up service.
func RsfEndpoints(provider region.Provider) (region.List, error) {
	if provider == nil {
		return region.List{}, errNoRegionProvider
	}
	regions, err := provider.Regions()
	if err != nil {
		return region.List{}, err
	}
	if len(regions) == 0 {
		return region.List{}, errNoRegionProvider
	}
	return regions[0].Endpoints(region.ServiceRSF), nil
}

var errNoRegionProvider = fmt.Errorf("lister: no rsf region available")

func query(p Params, extra url.Values) url.Values {
	v := url.Values{}
	v.Set("bucket", p.Bucket)
	if p.Prefix != "" {
		v.Set("prefix", p.Prefix)
	}
	if p.Marker != "" {
		v.Set("marker", p.Marker)
	}
	if p.NeedParts {
		v.Set("needparts", "true")
	}
	for k, vals := range extra {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	return v
}

// New builds the V1 paginated lister (spec.md §4.9 "V1 (paginated)").
func New(pipeline *client.Pipeline, endpoints region.List, params Params) Lister {
	return &v1Lister{pipeline: pipeline, endpoints: endpoints, params: params, remaining: params.Limit}
}

// NewV2 builds the V2 streaming lister (spec.md §4.9 "V2 (streaming)").
func NewV2(pipeline *client.Pipeline, endpoints region.List, params Params) Lister {
	return &v2Lister{pipeline: pipeline, endpoints: endpoints, params: params, remaining: params.Limit}
}

const maxPageSize = 1000

// v1Lister pages through GET {rsf}/list, buffering one page of items at a
// time and refetching when the buffer drains (spec.md §4.9 step "V1").
type v1Lister struct {
	pipeline  *client.Pipeline
	endpoints region.List
	params    Params

	marker    string
	buf       []apis.ObjectEntry
	pos       int
	done      bool
	remaining int // limit remaining; <=0 with params.Limit==0 means unbounded
}

func (l *v1Lister) Marker() string { return l.marker }

func (l *v1Lister) Next(ctx context.Context) (apis.ObjectEntry, bool, error) {
	for l.pos >= len(l.buf) {
		if l.done {
			return apis.ObjectEntry{}, false, nil
		}
		if l.params.Limit > 0 && l.remaining <= 0 {
			l.done = true
			return apis.ObjectEntry{}, false, nil
		}
		if err := l.fetchPage(ctx); err != nil {
			return apis.ObjectEntry{}, false, err
		}
	}
	item := l.buf[l.pos]
	l.pos++
	if l.params.Limit > 0 {
		l.remaining--
	}
	return item, true, nil
}

func (l *v1Lister) fetchPage(ctx context.Context) error {
	pageLimit := maxPageSize
	if l.params.Limit > 0 && l.remaining < pageLimit {
		pageLimit = l.remaining
	}

	p := l.params
	p.Marker = l.marker
	extra := url.Values{"limit": []string{strconv.Itoa(pageLimit)}}

	req := client.Request{
		Method: http.MethodGet,
		Path:   "/list",
		Query:  query(p, extra),
	}
	resp, err := l.pipeline.Do(ctx, l.endpoints, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out apis.ListV1Response
	if err := rpc.DecodeJSON(resp.Body, &out); err != nil {
		return kerr.New(kerr.KindParseResponse, err)
	}

	l.buf = out.Items
	l.pos = 0
	l.marker = out.Marker
	if l.marker == "" {
		l.done = true
	}
	return nil
}

// v2Lister drives the long-lived NDJSON GET {rsf}/v2/list stream,
// reconnecting at the saved marker whenever the stream ends after
// yielding at least one record (spec.md §4.9 step "V2").
type v2Lister struct {
	pipeline  *client.Pipeline
	endpoints region.List
	params    Params

	marker      string
	scanner     *bufio.Scanner
	body        io.ReadCloser
	done        bool
	remaining   int
	readAnyLine bool // whether the current stream has yielded any record, reset on reopen
}

func (l *v2Lister) Marker() string { return l.marker }

func (l *v2Lister) Next(ctx context.Context) (apis.ObjectEntry, bool, error) {
	if l.done {
		return apis.ObjectEntry{}, false, nil
	}
	if l.params.Limit > 0 && l.remaining <= 0 {
		l.done = true
		l.closeStream()
		return apis.ObjectEntry{}, false, nil
	}

	for {
		if l.scanner == nil {
			if err := l.openStream(ctx); err != nil {
				return apis.ObjectEntry{}, false, err
			}
		}

		for l.scanner.Scan() {
			line := l.scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			l.readAnyLine = true
			var rec apis.ListV2Record
			if err := rpc.DecodeJSONBytes(line, &rec); err != nil {
				return apis.ObjectEntry{}, false, kerr.New(kerr.KindParseResponse, err)
			}
			if rec.Marker != "" {
				l.marker = rec.Marker
			}
			if rec.Item == nil {
				continue
			}
			if l.params.Limit > 0 {
				l.remaining--
			}
			return *rec.Item, true, nil
		}
		if err := l.scanner.Err(); err != nil {
			l.closeStream()
			return apis.ObjectEntry{}, false, kerr.FromNetwork(err)
		}

		readAny := l.readAnyLine
		l.closeStream()
		if !readAny || l.marker == "" {
			l.done = true
			return apis.ObjectEntry{}, false, nil
		}
		// stream ended after yielding records: reconnect from the saved
		// marker (spec.md §4.9: "if any record was read, start a new
		// request using the saved marker").
	}
}

func (l *v2Lister) openStream(ctx context.Context) error {
	p := l.params
	p.Marker = l.marker

	req := client.Request{
		Method: http.MethodGet,
		Path:   "/v2/list",
		Query:  query(p, nil),
	}
	resp, err := l.pipeline.Do(ctx, l.endpoints, req)
	if err != nil {
		return err
	}
	l.body = resp.Body
	l.scanner = bufio.NewScanner(resp.Body)
	l.scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	l.readAnyLine = false
	return nil
}

func (l *v2Lister) closeStream() {
	if l.body != nil {
		l.body.Close()
		l.body = nil
	}
	l.scanner = nil
}

var (
	_ Lister = (*v1Lister)(nil)
	_ Lister = (*v2Lister)(nil)
)
