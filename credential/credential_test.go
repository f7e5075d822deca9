package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	p := NewStatic("ak", "sk")
	c, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ak", c.AccessKey)
	assert.Equal(t, "sk", c.SecretKey)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv(EnvAccessKey, "envak")
	t.Setenv(EnvSecretKey, "envsk")
	c, err := Env{}.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "envak", c.AccessKey)
}

func TestEnvProviderMissing(t *testing.T) {
	t.Setenv(EnvAccessKey, "")
	t.Setenv(EnvSecretKey, "")
	_, err := Env{}.Get(context.Background())
	assert.Error(t, err)
}

func TestGlobalProvider(t *testing.T) {
	g := &Global{}
	_, err := g.Get(context.Background())
	assert.Error(t, err)
	g.Setup(Credential{AccessKey: "gak", SecretKey: "gsk"})
	c, err := g.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gak", c.AccessKey)
	g.Clear()
	_, err = g.Get(context.Background())
	assert.Error(t, err)
}

func TestChainBuilderEmpty(t *testing.T) {
	_, err := NewChainBuilder().Build()
	assert.Error(t, err)
}

func TestChainFirstSuccessWins(t *testing.T) {
	failing := &Global{}
	succeeding := NewStatic("ak2", "sk2")
	c, err := NewChainBuilder().Add(failing).Add(succeeding).Build()
	require.NoError(t, err)
	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ak2", got.AccessKey)
}

func TestChainAllFail(t *testing.T) {
	c, err := NewChainBuilder().Add(&Global{}).Build()
	require.NoError(t, err)
	_, err = c.Get(context.Background())
	assert.Error(t, err)
}

func TestDefaultChainOrder(t *testing.T) {
	DefaultGlobal().Clear()
	t.Setenv(EnvAccessKey, "")
	t.Setenv(EnvSecretKey, "")
	_, err := DefaultChain().Get(context.Background())
	assert.Error(t, err)
	DefaultGlobal().Setup(Credential{AccessKey: "gak", SecretKey: "gsk"})
	c, err := DefaultChain().Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gak", c.AccessKey)
	DefaultGlobal().Clear()
}
