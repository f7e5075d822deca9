// Command kodocp drives one object through the upload, download or list
// engines from the command line — a thin wiring exerciser for
// credential → region → uploader/manager → downloader/lister, not a
// feature-complete client.
package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/qbox-io/kodo-go-sdk/chooser"
	"github.com/qbox-io/kodo-go-sdk/client"
	"github.com/qbox-io/kodo-go-sdk/credential"
	"github.com/qbox-io/kodo-go-sdk/datasource"
	"github.com/qbox-io/kodo-go-sdk/downloader"
	"github.com/qbox-io/kodo-go-sdk/lister"
	"github.com/qbox-io/kodo-go-sdk/recorder"
	"github.com/qbox-io/kodo-go-sdk/region"
	"github.com/qbox-io/kodo-go-sdk/resolver"
	"github.com/qbox-io/kodo-go-sdk/uploader"
	"github.com/qbox-io/kodo-go-sdk/uploader/manager"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "upload":
		err = runUpload(args)
	case "download":
		err = runDownload(args)
	case "list":
		err = runList(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logrus.WithError(err).Error("kodocp: command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kodocp <upload|download|list> [flags]")
}

func newSigner() *credential.Signer {
	cred := credential.Credential{
		AccessKey: os.Getenv("QINIU_ACCESS_KEY"),
		SecretKey: os.Getenv("QINIU_SECRET_KEY"),
	}
	return credential.NewSigner(cred)
}

// staticRegion builds a single-endpoint region.Region from a host:port
// pair; upload builds one from --up-host and list from --rsf-host.
func staticRegion(svc region.Service, host string, port int, https bool) *region.Region {
	ep := region.DomainPort(host, port)
	if https {
		ep = ep.WithHTTPS()
	} else {
		ep = ep.WithHTTP()
	}
	return region.NewRegion("default").With(svc, region.NewList(ep))
}

func newPipeline(signer client.Signer) *client.Pipeline {
	res := resolver.NewCache(resolver.NewNet(), 5*time.Minute)
	ch := chooser.NewBasic(res, time.Minute)
	return client.NewPipeline(ch, signer)
}

func runUpload(args []string) error {
	fs := pflag.NewFlagSet("upload", pflag.ExitOnError)
	bucket := fs.String("bucket", "", "destination bucket")
	key := fs.String("key", "", "destination object key")
	path := fs.String("file", "", "local file path to upload")
	upHost := fs.String("up-host", "", "up-service host:port")
	https := fs.Bool("https", true, "use HTTPS for the up endpoint")
	journalDir := fs.String("journal-dir", "", "directory for resumable journals (empty disables resuming)")
	v1 := fs.Bool("v1", false, "use the V1 block/chunk/mkfile protocol instead of V2")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bucket == "" || *path == "" {
		return fmt.Errorf("kodocp upload: --bucket and --file are required")
	}

	host, port, err := splitHostPort(*upHost)
	if err != nil {
		return err
	}

	signer := newSigner()
	pipeline := newPipeline(client.SignerFunc(func(*http.Request, []byte) (string, error) {
		return "", nil // the up service authorizes via upload token, not a request signer
	}))

	rec, err := recorderFor(*journalDir)
	if err != nil {
		return err
	}

	source, err := datasource.NewFilePath(*path)
	if err != nil {
		return err
	}
	if sum, ferr := sha1File(*path); ferr == nil {
		source = source.WithKey(datasource.Key{Algorithm: "sha1", Digest: sum})
	}

	params := uploader.ObjectParams{
		Bucket:         *bucket,
		ObjectName:     *key,
		HasObjectName:  *key != "",
		RegionProvider: region.NewStatic(staticRegion(region.ServiceUp, host, port, *https)),
	}

	mgr := manager.New(pipeline, signer, rec)
	version := manager.V2
	if *v1 {
		version = manager.V1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	result, err := mgr.UploadWithVersion(ctx, source, params, version)
	if err != nil {
		return err
	}
	fmt.Printf("hash=%s key=%s\n", result.Hash, result.Key)
	return nil
}

func runDownload(args []string) error {
	fs := pflag.NewFlagSet("download", pflag.ExitOnError)
	urlsFlag := fs.StringArray("url", nil, "candidate URL to download from (repeatable)")
	out := fs.String("out", "", "output file path, '-' for stdout")
	from := fs.Int64("from", -1, "inclusive range start, -1 for unset")
	to := fs.Int64("to", -1, "inclusive range end, -1 for unset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*urlsFlag) == 0 {
		return fmt.Errorf("kodocp download: at least one --url is required")
	}

	var rng downloader.Range
	if *from >= 0 {
		rng.From, rng.HasFrom = *from, true
	}
	if *to >= 0 {
		rng.To, rng.HasTo = *to, true
	}

	var w io.Writer = os.Stdout
	if *out != "" && *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	ctx := context.Background()
	rd := downloader.NewReader(ctx, http.DefaultClient, *urlsFlag, rng, downloader.Callbacks{
		DownloadProgress: func(ctx context.Context, transferred, total int64, hasTotal bool) error {
			if hasTotal {
				logrus.WithFields(logrus.Fields{"transferred": transferred, "total": total}).Debug("kodocp: download progress")
			}
			return nil
		},
	})
	defer rd.Close()

	_, err := io.Copy(w, rd)
	return err
}

func runList(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
	bucket := fs.String("bucket", "", "bucket to list")
	prefix := fs.String("prefix", "", "key prefix filter")
	limit := fs.Int("limit", 0, "maximum number of entries, 0 for unbounded")
	rsfHost := fs.String("rsf-host", "", "rsf-service host:port")
	https := fs.Bool("https", true, "use HTTPS for the rsf endpoint")
	useV2 := fs.Bool("v2", false, "use the V2 streaming listing protocol instead of V1")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bucket == "" {
		return fmt.Errorf("kodocp list: --bucket is required")
	}

	host, port, err := splitHostPort(*rsfHost)
	if err != nil {
		return err
	}

	signer := newSigner()
	pipeline := newPipeline(client.SignerFunc(func(req *http.Request, body []byte) (string, error) {
		return signer.SignV2Request(req.Method, req.URL.String(), req.Header, req.Header.Get("Content-Type"), body)
	}))

	endpoints := staticRegion(region.ServiceRSF, host, port, *https).Endpoints(region.ServiceRSF)
	params := lister.Params{Bucket: *bucket, Prefix: *prefix, Limit: *limit}

	var l lister.Lister
	if *useV2 {
		l = lister.NewV2(pipeline, endpoints, params)
	} else {
		l = lister.New(pipeline, endpoints, params)
	}

	ctx := context.Background()
	for {
		item, ok, err := l.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		fmt.Printf("%s\t%d\t%s\n", item.Key, item.FSize, item.Hash)
	}
	return nil
}

func recorderFor(dir string) (recorder.ResumableRecorder, error) {
	if dir == "" {
		return recorder.Dummy{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return recorder.NewFileSystem(dir)
}

func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func splitHostPort(hostport string) (string, int, error) {
	if hostport == "" {
		return "", 0, fmt.Errorf("kodocp: an endpoint host:port is required")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("kodocp: invalid port in %q: %w", hostport, err)
	}
	return host, port, nil
}
