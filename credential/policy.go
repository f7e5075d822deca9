package credential

import (
	"encoding/json"
	"time"
)

// UploadPolicy is the signed JSON policy that backs an upload token
// (spec.md §6.2 treats the token itself as opaque; this builder is the
// supplemented piece that actually produces one, grounded on the original
// Rust SDK's policy builder — see SPEC_FULL.md §3).
type UploadPolicy struct {
	Scope       string `json:"scope"`
	Deadline    int64  `json:"deadline"`
	InsertOnly  int    `json:"insertOnly,omitempty"`
	ReturnBody  string `json:"returnBody,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// UploadPolicyBuilder builds an UploadPolicy for a bucket, optionally
// scoped to one object key.
type UploadPolicyBuilder struct {
	policy UploadPolicy
}

// NewUploadPolicyBuilder scopes the policy to bucket, or to bucket:key when
// key is non-empty.
func NewUploadPolicyBuilder(bucket, key string, ttl time.Duration) *UploadPolicyBuilder {
	scope := bucket
	if key != "" {
		scope = bucket + ":" + key
	}
	return &UploadPolicyBuilder{policy: UploadPolicy{
		Scope:    scope,
		Deadline: time.Now().Add(ttl).Unix(),
	}}
}

// InsertOnly forbids overwriting an existing object of the same key.
func (b *UploadPolicyBuilder) InsertOnly() *UploadPolicyBuilder {
	b.policy.InsertOnly = 1
	return b
}

// ReturnBody overrides the response body template returned on success.
func (b *UploadPolicyBuilder) ReturnBody(tmpl string) *UploadPolicyBuilder {
	b.policy.ReturnBody = tmpl
	return b
}

// CallbackURL sets a server-side callback invoked on successful upload.
func (b *UploadPolicyBuilder) CallbackURL(u string) *UploadPolicyBuilder {
	b.policy.CallbackURL = u
	return b
}

// Build returns the finished policy.
func (b *UploadPolicyBuilder) Build() UploadPolicy {
	return b.policy
}

// UploadToken encodes the policy as JSON, signs it, and returns the full
// "UpToken <ak>:<sig>:<urlsafe_b64(policy)>" header value expected by
// spec.md §6.2's "Authorization: UpToken <upload_token>".
func (s *Signer) UploadToken(policy UploadPolicy) (string, error) {
	raw, err := json.Marshal(policy)
	if err != nil {
		return "", err
	}
	encoded := urlsafeB64(raw)
	signed := s.SignBytes([]byte(encoded)) // "<ak>:<sig>"
	return "UpToken " + signed + ":" + encoded, nil
}
