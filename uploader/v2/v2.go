// Package v2 implements the init/part/complete multipart upload protocol
// (spec.md §4.6 "Uploader V2").
package v2

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

// MinPartSize and MaxPartSize clamp every part a partition provider may
// request (spec.md §4.6 step 2: "clamped to [1 MiB, 1 GiB]").
const (
	MinPartSize int64 = 1 << 20
	MaxPartSize int64 = 1 << 30
)

const journalVersion = 2

// DefaultConcurrency bounds how many parts UploadSource transfers at once
// when the caller does not set Uploader.Concurrency.
const DefaultConcurrency = 4

// Uploader drives the V2 init/part/complete protocol over a client.Pipeline.
type Uploader struct {
	Pipeline    *client.Pipeline
	Signer      *credential.Signer
	Recorder    recorder.ResumableRecorder
	Concurrency int
	// Log receives per-part progress at debug level; defaults to
	// Pipeline.Log (SPEC_FULL.md §1 "Logging").
	Log logrus.FieldLogger
}

// New builds a V2 Uploader, inheriting its logger from p.
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

// recoveredKey identifies one journaled part row: V2 validates a reused
// part by offset AND part_number (spec.md §4.6 step 2), unlike V1's
// offset-only key.
type recoveredKey struct {
	offset     int64
	partNumber int64
}

// InitializedParts is the handle returned by InitializeParts.
type InitializedParts struct {
	up            *Uploader
	pipeline      *client.Pipeline
	endpoints     region.List
	params        uploader.ObjectParams
	journalKey    string
	hasJournal    bool
	headerWritten bool
	uploadID      string
	recovered     map[recoveredKey]recorder.RowV2
}

// InitializeParts resolves up-endpoints, recovers a prior journal for
// source if one is still valid, and otherwise initiates a fresh multipart
// upload (spec.md §4.6 step 1).
func (u *Uploader) InitializeParts(ctx context.Context, source datasource.Source, params uploader.ObjectParams) (*InitializedParts, error) {
	endpoints, err := uploader.UpEndpoints(params)
	if err != nil {
		return nil, err
	}
	pipeline, err := u.tokenScopedPipeline(params)
	if err != nil {
		return nil, err
	}

	ip := &InitializedParts{up: u, pipeline: pipeline, endpoints: endpoints, params: params, recovered: map[recoveredKey]recorder.RowV2{}}

	key, hasKey := source.SourceKey()
	if hasKey {
		ip.journalKey = fmt.Sprintf("v2:%s:%s:%s", params.Bucket, key.Algorithm, key.Digest)
		ip.hasJournal = true
		ip.loadJournal(params)
	}

	if ip.uploadID == "" {
		id, ierr := ip.initiate(ctx)
		if ierr != nil {
			return nil, ierr
		}
		ip.uploadID = id
	}

	if err := ip.writeHeaderIfNeeded(); err != nil {
		return nil, err
	}
	return ip, nil
}

// tokenScopedPipeline clones u.Pipeline with its Signer replaced by a
// constant upload-token signer, since upload endpoints authorize via
// "Authorization: UpToken <token>" (spec.md §6.2 "Upload API"), not
// whatever management-API scheme the shared Pipeline carries.
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

	var header recorder.HeaderV2
	_ = recorder.ReadJournal(r, &header, func(raw []byte) error {
		var row recorder.RowV2
		if jerr := json.Unmarshal(raw, &row); jerr != nil {
			return nil // tolerate a malformed row, skip it
		}
		ip.recovered[recoveredKey{offset: row.Offset, partNumber: row.PartNumber}] = row
		return nil
	})

	objectName := ""
	if params.HasObjectName {
		objectName = params.ObjectName
	}
	ttl := params.UploadedPartTTL
	fresh := ttl <= 0 || time.Now().Unix() < header.InitializedAt+int64(ttl.Seconds())

	if header.Version != journalVersion || header.Bucket != params.Bucket || header.Key != objectName || !fresh {
		ip.recovered = map[recoveredKey]recorder.RowV2{}
		return
	}
	if !uploader.Intersects(header.UpEndpoints, uploader.EndpointHosts(ip.endpoints)) {
		ip.recovered = map[recoveredKey]recorder.RowV2{}
		return
	}
	ip.uploadID = header.UploadID
	ip.headerWritten = true
}

func (ip *InitializedParts) initiate(ctx context.Context) (string, error) {
	req := client.Request{Method: http.MethodPost, Path: objectPath(ip.params) + "/uploads"}
	resp, err := ip.pipeline.Do(ctx, ip.endpoints, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out apis.V2InitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", kerr.New(kerr.KindParseResponse, err)
	}
	return out.UploadID, nil
}

// writeHeaderIfNeeded creates the journal and writes its header the first
// time this InitializedParts has anything to record. A recovered, valid
// journal already carries its header on disk, so this is a no-op then.
func (ip *InitializedParts) writeHeaderIfNeeded() error {
	if !ip.hasJournal || ip.headerWritten {
		return nil
	}
	objectName := ""
	if ip.params.HasObjectName {
		objectName = ip.params.ObjectName
	}
	w, err := ip.up.Recorder.OpenForCreateNew(ip.journalKey)
	if err != nil {
		return err
	}
	if err := recorder.WriteHeader(w, recorder.HeaderV2{
		Version:       journalVersion,
		UploadID:      ip.uploadID,
		InitializedAt: time.Now().Unix(),
		Bucket:        ip.params.Bucket,
		Key:           objectName,
		UpEndpoints:   uploader.EndpointHosts(ip.endpoints),
	}); err != nil {
		w.Close()
		return err
	}
	ip.headerWritten = true
	return w.Close()
}

func (ip *InitializedParts) openAppend() (io.WriteCloser, error) {
	if !ip.hasJournal {
		return recorder.Dummy{}.OpenForAppend(ip.journalKey)
	}
	return ip.up.Recorder.OpenForAppend(ip.journalKey)
}

// UploadPart uploads (or reuses, from the recovered journal) one part
// produced by the source (spec.md §4.6 step 2).
func (ip *InitializedParts) UploadPart(ctx context.Context, r datasource.Reader) (uploader.UploadedPart, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return uploader.UploadedPart{}, kerr.New(kerr.KindLocalIO, err)
	}
	partNumber := int64(r.PartNumber())
	sum := sha1.Sum(buf)
	sha1b64 := base64.StdEncoding.EncodeToString(sum[:])

	rk := recoveredKey{offset: r.Offset(), partNumber: partNumber}
	if row, ok := ip.recovered[rk]; ok {
		if row.Size == int64(len(buf)) && row.SHA1 == sha1b64 {
			return uploader.UploadedPart{
				Offset: r.Offset(), Size: int64(len(buf)),
				PartNumber: partNumber, HasPartNumber: true,
				ServerOpaque: row.Etag, Resumed: true,
			}, nil
		}
	}

	etag, err := ip.uploadPart(ctx, partNumber, buf)
	if err != nil {
		ip.up.logf(logrus.Fields{"part_number": partNumber, "size": len(buf), "err": err}, "part upload failed")
		return uploader.UploadedPart{}, err
	}
	ip.up.logf(logrus.Fields{"part_number": partNumber, "size": len(buf)}, "part upload succeeded")

	w, werr := ip.openAppend()
	if werr == nil {
		_ = recorder.WriteRow(w, recorder.RowV2{
			Offset:     r.Offset(),
			Size:       int64(len(buf)),
			Etag:       etag,
			PartNumber: partNumber,
			SHA1:       sha1b64,
		})
		w.Close()
	}

	return uploader.UploadedPart{
		Offset: r.Offset(), Size: int64(len(buf)),
		PartNumber: partNumber, HasPartNumber: true,
		ServerOpaque: etag,
	}, nil
}

func (ip *InitializedParts) uploadPart(ctx context.Context, partNumber int64, buf []byte) (string, error) {
	path := fmt.Sprintf("%s/uploads/%s/%d", objectPath(ip.params), ip.uploadID, partNumber)
	req := client.Request{
		Method:      http.MethodPut,
		Path:        path,
		ContentType: "application/octet-stream",
		Body: func() (io.ReadCloser, int64, error) {
			return ioutil.NopCloser(bytes.NewReader(buf)), int64(len(buf)), nil
		},
	}
	resp, err := ip.pipeline.Do(ctx, ip.endpoints, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out apis.V2UploadPartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", kerr.New(kerr.KindParseResponse, err)
	}
	return out.Etag, nil
}

// CompleteParts finalizes the upload (spec.md §4.6 step 3): parts are
// sorted by part_number, and their etags posted as a JSON body alongside
// the object's metadata.
func (ip *InitializedParts) CompleteParts(ctx context.Context, parts []uploader.UploadedPart) (*apis.V2CompleteResponse, error) {
	sorted := append([]uploader.UploadedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	body := apis.V2CompleteRequest{
		Parts:      make([]apis.V2CompletedPart, 0, len(sorted)),
		FileName:   ip.params.FileName,
		MimeType:   ip.params.ContentType,
		Metadata:   qnMetaKeys(ip.params.Metadata),
		CustomVars: customVarKeys(ip.params.CustomVars),
	}
	for _, p := range sorted {
		body.Parts = append(body.Parts, apis.V2CompletedPart{Etag: p.ServerOpaque, PartNumber: p.PartNumber})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, kerr.New(kerr.KindLocalIO, err)
	}

	req := client.Request{
		Method:      http.MethodPost,
		Path:        fmt.Sprintf("%s/uploads/%s", objectPath(ip.params), ip.uploadID),
		ContentType: "application/json",
		Body: func() (io.ReadCloser, int64, error) {
			return ioutil.NopCloser(bytes.NewReader(raw)), int64(len(raw)), nil
		},
	}
	resp, err := ip.pipeline.Do(ctx, ip.endpoints, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out apis.V2CompleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, kerr.New(kerr.KindParseResponse, err)
	}

	if ip.hasJournal {
		_ = ip.up.Recorder.Delete(ip.journalKey)
	}
	return &out, nil
}

// UploadSource drives a whole upload end to end: it slices source
// sequentially (so the one stateful cursor every Source implementation
// keeps is never touched from two goroutines at once) but transfers the
// resulting parts concurrently, bounded by Uploader.Concurrency, following
// the fail-fast errgroup shape of backend/b2/upload.go's largeUpload.Upload.
func (u *Uploader) UploadSource(ctx context.Context, source datasource.Source, params uploader.ObjectParams, sizer uploader.PartSizeProvider) (uploader.Result, error) {
	if sizer == nil {
		sizer = uploader.NewAdaptivePartSize(MinPartSize, MaxPartSize)
	}

	ip, err := u.InitializeParts(ctx, source, params)
	if err != nil {
		return uploader.Result{}, err
	}
	u.logf(logrus.Fields{"bucket": params.Bucket, "upload_id": ip.uploadID, "concurrency": u.concurrency()}, "upload started")

	var (
		mu    sync.Mutex
		parts []uploader.UploadedPart
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency())

	remaining := int64(-1)
	total, hasTotal := source.TotalSize()
	if hasTotal {
		remaining = int64(total)
	}
	tracker := uploader.NewProgressTracker(int64(total), hasTotal, params.OnProgress)

	for {
		if gCtx.Err() != nil {
			break
		}
		size := sizer.NextPartSize(remaining)
		if size < MinPartSize {
			size = MinPartSize
		}
		if size > MaxPartSize {
			size = MaxPartSize
		}
		r, serr := source.Slice(size)
		if serr == io.EOF {
			break
		}
		if serr != nil {
			return uploader.Result{}, kerr.New(kerr.KindLocalIO, serr)
		}
		if remaining >= 0 {
			remaining -= r.Length()
		}

		g.Go(func() error {
			start := time.Now()
			part, uerr := ip.UploadPart(gCtx, r)
			sizer.Feedback(r.Length(), time.Since(start), uerr != nil)
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
		u.logf(logrus.Fields{"upload_id": ip.uploadID, "err": err}, "upload aborted")
		return uploader.Result{}, err
	}

	out, err := ip.CompleteParts(ctx, parts)
	if err != nil {
		return uploader.Result{}, err
	}
	u.logf(logrus.Fields{"upload_id": ip.uploadID, "key": out.Key}, "upload completed")
	return uploader.Result{Hash: out.Hash, Key: out.Key}, nil
}

func objectPath(params uploader.ObjectParams) string {
	encodedKey := "~"
	if params.HasObjectName {
		encodedKey = uploader.URLSafeBase64([]byte(params.ObjectName))
	}
	return fmt.Sprintf("/buckets/%s/objects/%s", params.Bucket, encodedKey)
}

func qnMetaKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out["x-qn-meta-"+k] = v
	}
	return out
}

func customVarKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out["x:"+k] = v
	}
	return out
}
