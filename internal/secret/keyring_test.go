package secret

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Keyring tests need a real OS keyring; they skip where none is
// reachable (headless CI without a Secret Service, for example).
func requireKeyring(t *testing.T) *KeyringProvider {
	t.Helper()
	p := NewKeyringProvider()
	if !p.IsAvailable() {
		t.Skip("OS keyring not available")
	}
	return p
}

func TestKeyringStoreResolveDelete(t *testing.T) {
	p := requireKeyring(t)
	ctx := context.Background()
	ref := Ref{Type: "keyring", Name: "codebroker-test-roundtrip"}

	require.NoError(t, p.Store(ctx, ref, "round-trip-value"))
	t.Cleanup(func() { _ = p.Delete(ctx, ref) })

	value, err := p.Resolve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "round-trip-value", value)

	refs, err := p.List(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range refs {
		if r.Name == ref.Name {
			found = true
		}
	}
	assert.True(t, found, "stored secret should appear in registry listing")

	require.NoError(t, p.Delete(ctx, ref))

	_, err = p.Resolve(ctx, ref)
	assert.Error(t, err)
}

func TestKeyringWrongType(t *testing.T) {
	p := NewKeyringProvider()
	ctx := context.Background()

	_, err := p.Resolve(ctx, Ref{Type: "env", Name: "x"})
	assert.Error(t, err)
	assert.Error(t, p.Store(ctx, Ref{Type: "env", Name: "x"}, "v"))
	assert.Error(t, p.Delete(ctx, Ref{Type: "env", Name: "x"}))
}
