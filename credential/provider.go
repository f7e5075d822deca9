package credential

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Provider is the capability set every credential source implements:
// synchronous and asynchronous retrieval. Static, Global, Env and Chain
// below are the built-in variants; callers may implement Provider directly
// for anything else (spec.md's "escape-hatch variant" per §9 design note).
type Provider interface {
	Get(ctx context.Context) (Credential, error)
}

// Static always returns the same credential.
type Static struct {
	Credential Credential
}

// NewStatic wraps an access/secret key pair as a Provider.
func NewStatic(accessKey, secretKey string) *Static {
	return &Static{Credential: Credential{AccessKey: accessKey, SecretKey: secretKey}}
}

// Get implements Provider.
func (s *Static) Get(ctx context.Context) (Credential, error) {
	return s.Credential, nil
}

// Global is a process-wide mutable credential slot. It is unset until
// Setup is called, mirroring backend/b2.Fs.authMu-guarded re-auth except
// here the caller, not a re-auth handshake, supplies the value.
type Global struct {
	mu  sync.RWMutex
	cur *Credential
}

var globalProvider = &Global{}

// DefaultGlobal returns the process-wide Global provider singleton used by
// the default credential chain.
func DefaultGlobal() *Global { return globalProvider }

// Setup installs a credential into the global slot.
func (g *Global) Setup(c Credential) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := c
	g.cur = &cp
}

// Clear empties the global slot.
func (g *Global) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur = nil
}

// Get implements Provider. It fails if Setup was never called.
func (g *Global) Get(ctx context.Context) (Credential, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cur == nil {
		return Credential{}, errors.New("credential: global provider not set up")
	}
	return *g.cur, nil
}

// EnvAccessKey and EnvSecretKey are the two variables consulted by Env
// (spec.md §6.3).
const (
	EnvAccessKey = "QINIU_ACCESS_KEY"
	EnvSecretKey = "QINIU_SECRET_KEY"
)

// Env reads the two named environment variables on every Get call.
type Env struct{}

// Get implements Provider.
func (Env) Get(ctx context.Context) (Credential, error) {
	ak := os.Getenv(EnvAccessKey)
	sk := os.Getenv(EnvSecretKey)
	if ak == "" || sk == "" {
		return Credential{}, errors.Errorf("credential: environment variables %s / %s not both set", EnvAccessKey, EnvSecretKey)
	}
	return Credential{AccessKey: ak, SecretKey: sk}, nil
}

// Chain tries each child Provider in insertion order and returns the first
// success, or the last error if every child fails. It refuses to be built
// empty (spec.md §4.1: "build on an empty builder fails").
type Chain struct {
	providers []Provider
}

// ChainBuilder accumulates providers before building an immutable Chain.
type ChainBuilder struct {
	providers []Provider
}

// NewChainBuilder returns an empty builder.
func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{}
}

// Add appends a child provider, returning the builder for chaining.
func (b *ChainBuilder) Add(p Provider) *ChainBuilder {
	b.providers = append(b.providers, p)
	return b
}

// Build finalizes the chain. It errors if no provider was added.
func (b *ChainBuilder) Build() (*Chain, error) {
	if len(b.providers) == 0 {
		return nil, errors.New("credential: chain builder is empty")
	}
	out := make([]Provider, len(b.providers))
	copy(out, b.providers)
	return &Chain{providers: out}, nil
}

// DefaultChain returns the spec-mandated default chain {global, env}. It
// never fails to build because it always has two providers.
func DefaultChain() *Chain {
	c, err := NewChainBuilder().Add(DefaultGlobal()).Add(Env{}).Build()
	if err != nil {
		// unreachable: two providers were just added.
		panic(err)
	}
	return c
}

// Get implements Provider: first success wins, otherwise the last error.
func (c *Chain) Get(ctx context.Context) (Credential, error) {
	var lastErr error
	for _, p := range c.providers {
		cred, err := p.Get(ctx)
		if err == nil {
			return cred, nil
		}
		lastErr = err
	}
	return Credential{}, errors.Wrap(lastErr, "credential: all providers in chain failed")
}
