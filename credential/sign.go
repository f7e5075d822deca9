package credential

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Signer produces the Authorization header values described in spec.md
// §4.1/§6.2. It is built from a single Credential; callers needing a
// rotating credential should construct a fresh Signer per attempt from a
// Provider.
type Signer struct {
	cred Credential
}

// NewSigner builds a Signer bound to cred.
func NewSigner(cred Credential) *Signer {
	return &Signer{cred: cred}
}

func urlsafeB64(b []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b)
}

// SignBytes signs arbitrary data and returns "<ak>:<urlsafe_b64(hmac)>".
func (s *Signer) SignBytes(data []byte) string {
	mac := hmac.New(sha1.New, []byte(s.cred.SecretKey))
	mac.Write(data)
	sum := mac.Sum(nil)
	return fmt.Sprintf("%s:%s", s.cred.AccessKey, urlsafeB64(sum))
}

// SignV1Request returns "QBox <ak>:<sig>" per spec.md §4.1: the signed
// material is path[?query]\n followed by the body when the request is
// form-urlencoded.
func (s *Signer) SignV1Request(rawurl string, contentType string, body []byte) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	material := u.Path
	if u.RawQuery != "" {
		material += "?" + u.RawQuery
	}
	material += "\n"
	if contentType == "application/x-www-form-urlencoded" && len(body) > 0 {
		material += string(body)
	}
	return "QBox " + s.SignBytes([]byte(material)), nil
}

const qiniuHeaderPrefix = "X-Qiniu-"

// SignV2Request returns "Qiniu <ak>:<sig>" per spec.md §4.1.
//
// Signed material:
//
//	METHOD SP path[?query] \n
//	Host: host[:port]\n
//	[Content-Type: ct\n]
//	<X-Qiniu-* headers sorted ascending, each "Name: value\n">
//	\n
//	[body if content type is set and is not application/octet-stream]
func (s *Signer) SignV2Request(method, rawurl string, header http.Header, contentType string, body []byte) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString(" ")
	b.WriteString(u.Path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	b.WriteString(" \nHost: ")
	b.WriteString(u.Host)
	b.WriteString("\n")
	if contentType != "" {
		b.WriteString("Content-Type: ")
		b.WriteString(contentType)
		b.WriteString("\n")
	}
	for _, line := range sortedQiniuHeaders(header) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if contentType != "" && contentType != "application/octet-stream" && len(body) > 0 {
		b.Write([]byte(body))
	}
	return "Qiniu " + s.SignBytes([]byte(b.String())), nil
}

// sortedQiniuHeaders canonicalizes and sorts the X-Qiniu-* headers the way
// spec.md §4.1 requires: case-normalized with each segment title-cased,
// keys no longer than "X-Qiniu-" itself are skipped.
func sortedQiniuHeaders(header http.Header) []string {
	type kv struct{ k, v string }
	var pairs []kv
	for k, vs := range header {
		canon := canonicalHeaderName(k)
		if len(canon) <= len(qiniuHeaderPrefix) {
			continue
		}
		if !strings.HasPrefix(canon, qiniuHeaderPrefix) {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, kv{canon, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.k+": "+p.v)
	}
	return out
}

func canonicalHeaderName(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

// SignDownloadURL appends "e=<deadline>&token=<ak>:<sig>" to rawurl per
// spec.md §6.2.
func (s *Signer) SignDownloadURL(rawurl string, deadline time.Time) (string, error) {
	sep := "?"
	if strings.Contains(rawurl, "?") {
		sep = "&"
	}
	withDeadline := fmt.Sprintf("%s%se=%d", rawurl, sep, deadline.Unix())
	return fmt.Sprintf("%s&token=%s", withDeadline, s.SignBytes([]byte(withDeadline))), nil
}
