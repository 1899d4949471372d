package secret

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderResolve(t *testing.T) {
	p := NewEnvProvider()
	ctx := context.Background()

	t.Setenv("CODEBROKER_TEST_SECRET", "the-value")

	value, err := p.Resolve(ctx, Ref{Type: "env", Name: "CODEBROKER_TEST_SECRET"})
	require.NoError(t, err)
	assert.Equal(t, "the-value", value)
}

func TestEnvProviderMissingVariable(t *testing.T) {
	p := NewEnvProvider()

	_, err := p.Resolve(context.Background(), Ref{Type: "env", Name: "CODEBROKER_DEFINITELY_UNSET"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found or empty")
}

func TestEnvProviderEmptyVariable(t *testing.T) {
	p := NewEnvProvider()
	t.Setenv("CODEBROKER_EMPTY_SECRET", "")

	_, err := p.Resolve(context.Background(), Ref{Type: "env", Name: "CODEBROKER_EMPTY_SECRET"})
	assert.Error(t, err)
}

func TestEnvProviderWrongType(t *testing.T) {
	p := NewEnvProvider()

	_, err := p.Resolve(context.Background(), Ref{Type: "keyring", Name: "x"})
	assert.Error(t, err)
}

func TestEnvProviderStoreDeleteUnsupported(t *testing.T) {
	p := NewEnvProvider()
	ctx := context.Background()

	assert.Error(t, p.Store(ctx, Ref{Type: "env", Name: "X"}, "v"))
	assert.Error(t, p.Delete(ctx, Ref{Type: "env", Name: "X"}))
}

func TestEnvProviderListFiltersByName(t *testing.T) {
	p := NewEnvProvider()
	t.Setenv("CODEBROKER_TEST_API_TOKEN", "abc123")
	t.Setenv("CODEBROKER_TEST_COLOR", "blue")

	refs, err := p.List(context.Background())
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, ref := range refs {
		names[ref.Name] = true
	}
	assert.True(t, names["CODEBROKER_TEST_API_TOKEN"])
	assert.False(t, names["CODEBROKER_TEST_COLOR"])
}

func TestIsLikelySecretName(t *testing.T) {
	assert.True(t, isLikelySecretName("GITHUB_TOKEN"))
	assert.True(t, isLikelySecretName("db_password"))
	assert.True(t, isLikelySecretName("AWS_SECRET_ACCESS_KEY"))
	assert.False(t, isLikelySecretName("HOME"))
	assert.False(t, isLikelySecretName("LANG"))
}
