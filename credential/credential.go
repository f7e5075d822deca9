// Package credential provides access-key/secret-key pairs and the request
// signers built on top of them (spec.md §4.1).
package credential

// Credential is an immutable access-key/secret-key pair.
type Credential struct {
	AccessKey string
	SecretKey string
}

// Equal reports whether two credentials carry the same keys.
func (c Credential) Equal(o Credential) bool {
	return c.AccessKey == o.AccessKey && c.SecretKey == o.SecretKey
}

func (c Credential) String() string {
	if c.AccessKey == "" {
		return "<empty credential>"
	}
	return c.AccessKey + ":***"
}
