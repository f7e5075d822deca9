// Package v1 implements the legacy block/chunk/mkfile resumable upload
// protocol (spec.md §4.5 "Uploader V1").
package v1

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qbox-io/kodo-go-sdk/apis"
	"github.com/qbox-io/kodo-go-sdk/client"
	"github.com/qbox-io/kodo-go-sdk/credential"
	"github.com/qbox-io/kodo-go-sdk/datasource"
	"github.com/qbox-io/kodo-go-sdk/kerr"
	"github.com/qbox-io/kodo-go-sdk/recorder"
	"github.com/qbox-io/kodo-go-sdk/region"
	"github.com/qbox-io/kodo-go-sdk/uploader"
)

// PartSize is the fixed block size V1 uploads in (spec.md §3 "PartSize...
// V1 forces exactly 4 MiB except the last part").
const PartSize int64 = 4 << 20

const journalVersion = 1

// DefaultConcurrency bounds how many blocks Uploader.UploadSource transfers
// at once when the caller does not set Uploader.Concurrency, matching
// uploader/v2's default (spec.md §5: "multiple worker threads... upload
// parts concurrently for a single object" applies to both protocol
// versions, with no V1/V2 carve-out).
const DefaultConcurrency = 4

// Uploader drives the V1 block/chunk/mkfile protocol over a client.Pipeline.
type Uploader struct {
	Pipeline    *client.Pipeline
	Signer      *credential.Signer
	Recorder    recorder.ResumableRecorder
	Concurrency int
	// Log receives per-block progress at debug level; defaults to
	// Pipeline.Log (SPEC_FULL.md §1 "Logging").
	Log logrus.FieldLogger
}

// New builds a V1 Uploader, inheriting its logger from p.
func New(p *client.Pipeline, signer *credential.Signer, rec recorder.ResumableRecorder) *Uploader {
	var log logrus.FieldLogger
	if p != nil {
		log = p.Log
	}
	return &Uploader{Pipeline: p, Signer: signer, Recorder: rec, Log: log}
}

func (u *Uploader) logf(fields logrus.Fields, msg string) {
	if u.Log == nil {
		return
	}
	u.Log.WithFields(fields).Debug(msg)
}

func (u *Uploader) concurrency() int {
	if u.Concurrency > 0 {
		return u.Concurrency
	}
	return DefaultConcurrency
}

// InitializedParts is the handle returned by InitializeParts, carrying
// everything UploadPart and CompleteParts need (spec.md §3
// "InitializedParts").
type InitializedParts struct {
	up         *Uploader
	pipeline   *client.Pipeline
	endpoints  region.List
	params     uploader.ObjectParams
	journalKey string
	hasJournal bool
	headerWritten bool
	recovered  map[int64]recorder.RowV1

	parts []uploader.UploadedPart
}

// InitializeParts resolves up-endpoints and recovers a prior journal for
// source, if one exists and is still applicable (spec.md §4.5 step 1).
func (u *Uploader) InitializeParts(ctx context.Context, source datasource.Source, params uploader.ObjectParams) (*InitializedParts, error) {
	endpoints, err := uploader.UpEndpoints(params)
	if err != nil {
		return nil, err
	}

	pipeline, err := u.tokenScopedPipeline(params)
	if err != nil {
		return nil, err
	}

	ip := &InitializedParts{up: u, pipeline: pipeline, endpoints: endpoints, params: params, recovered: map[int64]recorder.RowV1{}}

	key, hasKey := source.SourceKey()
	if !hasKey {
		return ip, nil
	}
	ip.journalKey = fmt.Sprintf("v1:%s:%s:%s", params.Bucket, key.Algorithm, key.Digest)
	ip.hasJournal = true
	ip.loadJournal(params)
	return ip, nil
}

// tokenScopedPipeline clones u.Pipeline with its Signer replaced by a
// constant upload-token signer, since upload endpoints authorize via
// "Authorization: UpToken <token>" rather than the V1/V2 management
// schemes the shared Pipeline may otherwise be configured for
// (spec.md §6.2 "Upload API").
func (u *Uploader) tokenScopedPipeline(params uploader.ObjectParams) (*client.Pipeline, error) {
	objectName := ""
	if params.HasObjectName {
		objectName = params.ObjectName
	}
	policy := credential.NewUploadPolicyBuilder(params.Bucket, objectName, params.UploadTokenTTLOrDefault()).Build()
	token, err := u.Signer.UploadToken(policy)
	if err != nil {
		return nil, kerr.New(kerr.KindLocalIO, err)
	}
	pl := *u.Pipeline
	pl.Signer = client.SignerFunc(func(*http.Request, []byte) (string, error) { return token, nil })
	return &pl, nil
}

func (ip *InitializedParts) loadJournal(params uploader.ObjectParams) {
	r, err := ip.up.Recorder.OpenForRead(ip.journalKey)
	if err != nil {
		return // no prior journal (or unreadable): start fresh
	}
	defer r.Close()

	var header recorder.HeaderV1
	_ = recorder.ReadJournal(r, &header, func(raw []byte) error {
		var row recorder.RowV1
		if jerr := json.Unmarshal(raw, &row); jerr != nil {
			return nil // tolerate a malformed row, skip it
		}
		ip.recovered[row.Offset] = row
		return nil
	})

	if header.Version != journalVersion || header.Bucket != params.Bucket {
		ip.recovered = map[int64]recorder.RowV1{}
		return
	}
	if !uploader.Intersects(header.UpEndpoints, uploader.EndpointHosts(ip.endpoints)) {
		ip.recovered = map[int64]recorder.RowV1{}
		return
	}
	// A recovered, still-valid journal already has its header on disk;
	// later parts only ever append to it.
	ip.headerWritten = true
}

// openAppend returns a handle to append one more row to the journal,
// creating it (and writing its header) the first time this
// InitializedParts has anything to record. Using headerWritten rather than
// re-checking len(ip.recovered) matters because recovered is never mutated
// after loadJournal: keying off it here would re-truncate the file on every
// part of a from-scratch upload.
func (ip *InitializedParts) openAppend() (io.WriteCloser, error) {
	if !ip.hasJournal {
		return recorder.Dummy{}.OpenForAppend(ip.journalKey)
	}
	if ip.headerWritten {
		return ip.up.Recorder.OpenForAppend(ip.journalKey)
	}
	w, err := ip.up.Recorder.OpenForCreateNew(ip.journalKey)
	if err != nil {
		return nil, err
	}
	if err := recorder.WriteHeader(w, recorder.HeaderV1{
		Version:     journalVersion,
		Bucket:      ip.params.Bucket,
		UpEndpoints: uploader.EndpointHosts(ip.endpoints),
	}); err != nil {
		w.Close()
		return nil, err
	}
	ip.headerWritten = true
	return w, nil
}

// UploadPart uploads (or reuses, from the recovered journal) one part
// produced by the source (spec.md §4.5 step 2).
func (ip *InitializedParts) UploadPart(ctx context.Context, r datasource.Reader) (uploader.UploadedPart, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return uploader.UploadedPart{}, kerr.New(kerr.KindLocalIO, err)
	}
	sum := sha1.Sum(buf)
	sha1b64 := base64.StdEncoding.EncodeToString(sum[:])

	if row, ok := ip.recovered[r.Offset()]; ok {
		ttl := ip.params.UploadedPartTTL
		fresh := ttl <= 0 || time.Now().Unix() < row.UploadedAt+int64(ttl.Seconds())
		if row.Size == int64(len(buf)) && row.SHA1 == sha1b64 && fresh {
			return uploader.UploadedPart{Offset: r.Offset(), Size: int64(len(buf)), ServerOpaque: row.Ctx, Resumed: true}, nil
		}
	}

	resp, err := ip.mkblk(ctx, buf)
	if err != nil {
		ip.up.logf(logrus.Fields{"offset": r.Offset(), "size": len(buf), "err": err}, "block upload failed")
		return uploader.UploadedPart{}, err
	}
	ip.up.logf(logrus.Fields{"offset": r.Offset(), "size": len(buf)}, "block upload succeeded")

	w, werr := ip.openAppend()
	if werr == nil {
		_ = recorder.WriteRow(w, recorder.RowV1{
			Offset:     r.Offset(),
			Size:       int64(len(buf)),
			Ctx:        resp.Ctx,
			UploadedAt: time.Now().Unix(),
			SHA1:       sha1b64,
		})
		w.Close()
	}

	return uploader.UploadedPart{Offset: r.Offset(), Size: int64(len(buf)), ServerOpaque: resp.Ctx}, nil
}

func (ip *InitializedParts) mkblk(ctx context.Context, buf []byte) (*apis.V1MkblkResponse, error) {
	path := "/mkblk/" + strconv.FormatInt(int64(len(buf)), 10)
	req := client.Request{
		Method:      http.MethodPost,
		Path:        path,
		ContentType: "application/octet-stream",
		Body: func() (io.ReadCloser, int64, error) {
			return ioutil.NopCloser(bytes.NewReader(buf)), int64(len(buf)), nil
		},
	}
	resp, err := ip.pipeline.Do(ctx, ip.endpoints, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out apis.V1MkblkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, kerr.New(kerr.KindParseResponse, err)
	}
	return &out, nil
}

// CompleteParts finalizes the upload once every part has been uploaded
// (spec.md §4.5 step 3): parts are sorted ascending by offset, their ctx
// values joined, and posted to mkfile.
func (ip *InitializedParts) CompleteParts(ctx context.Context, totalSize int64, parts []uploader.UploadedPart) (*apis.V1MkfileResponse, error) {
	sorted := append([]uploader.UploadedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	ctxs := make([]string, 0, len(sorted))
	for _, p := range sorted {
		ctxs = append(ctxs, p.ServerOpaque)
	}
	body := []byte(strings.Join(ctxs, ","))

	path := mkfilePath(totalSize, ip.params)
	req := client.Request{
		Method:      http.MethodPost,
		Path:        path,
		ContentType: "text/plain",
		Body: func() (io.ReadCloser, int64, error) {
			return ioutil.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
		},
	}
	resp, err := ip.pipeline.Do(ctx, ip.endpoints, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out apis.V1MkfileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, kerr.New(kerr.KindParseResponse, err)
	}

	if ip.hasJournal {
		_ = ip.up.Recorder.Delete(ip.journalKey)
	}
	return &out, nil
}

// UploadSource drives a whole V1 upload end to end: it slices source
// sequentially (so the one stateful cursor every Source implementation
// keeps is never touched from two goroutines at once) but transfers the
// resulting blocks concurrently, bounded by Uploader.Concurrency, mirroring
// uploader/v2.Uploader.UploadSource's errgroup shape exactly.
func (u *Uploader) UploadSource(ctx context.Context, source datasource.Source, params uploader.ObjectParams) (uploader.Result, error) {
	ip, err := u.InitializeParts(ctx, source, params)
	if err != nil {
		return uploader.Result{}, err
	}
	u.logf(logrus.Fields{"bucket": params.Bucket, "concurrency": u.concurrency()}, "upload started")

	totalSize, hasTotal := source.TotalSize()
	tracker := uploader.NewProgressTracker(int64(totalSize), hasTotal, params.OnProgress)

	var (
		mu    sync.Mutex
		parts []uploader.UploadedPart
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency())

	for {
		if gCtx.Err() != nil {
			break
		}
		r, serr := source.Slice(PartSize)
		if serr == io.EOF {
			break
		}
		if serr != nil {
			return uploader.Result{}, kerr.New(kerr.KindLocalIO, serr)
		}

		g.Go(func() error {
			part, uerr := ip.UploadPart(gCtx, r)
			if uerr != nil {
				return uerr
			}
			tracker.Set(part.Offset, part.Size)
			mu.Lock()
			parts = append(parts, part)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		u.logf(logrus.Fields{"bucket": params.Bucket, "err": err}, "upload aborted")
		return uploader.Result{}, err
	}

	out, err := ip.CompleteParts(ctx, int64(totalSize), parts)
	if err != nil {
		return uploader.Result{}, err
	}
	u.logf(logrus.Fields{"key": out.Key}, "upload completed")
	return uploader.Result{Hash: out.Hash, Key: out.Key}, nil
}

func mkfilePath(totalSize int64, params uploader.ObjectParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/mkfile/%d", totalSize)
	if params.HasObjectName {
		fmt.Fprintf(&b, "/key/%s", uploader.URLSafeBase64([]byte(params.ObjectName)))
	}
	if params.FileName != "" {
		fmt.Fprintf(&b, "/fname/%s", uploader.URLSafeBase64([]byte(params.FileName)))
	}
	if params.ContentType != "" {
		fmt.Fprintf(&b, "/mimeType/%s", uploader.URLSafeBase64([]byte(params.ContentType)))
	}
	metaKeys := sortedKeys(params.Metadata)
	for _, k := range metaKeys {
		fmt.Fprintf(&b, "/x-qn-meta-%s/%s", k, uploader.URLSafeBase64([]byte(params.Metadata[k])))
	}
	varKeys := sortedKeys(params.CustomVars)
	for _, k := range varKeys {
		fmt.Fprintf(&b, "/x:%s/%s", k, uploader.URLSafeBase64([]byte(params.CustomVars[k])))
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
