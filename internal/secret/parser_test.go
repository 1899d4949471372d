package secret

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Ref
		wantErr bool
	}{
		{
			name:  "valid keyring reference",
			input: "${keyring:my-api-key}",
			want: &Ref{
				Type:     "keyring",
				Name:     "my-api-key",
				Original: "${keyring:my-api-key}",
			},
		},
		{
			name:  "valid env reference",
			input: "${env:API_KEY}",
			want: &Ref{
				Type:     "env",
				Name:     "API_KEY",
				Original: "${env:API_KEY}",
			},
		},
		{
			name:  "reference with surrounding spaces trimmed",
			input: "${keyring: my key }",
			want: &Ref{
				Type:     "keyring",
				Name:     "my key",
				Original: "${keyring: my key }",
			},
		},
		{
			name:    "no colon",
			input:   "${keyring-my-key}",
			wantErr: true,
		},
		{
			name:    "no closing brace",
			input:   "${keyring:my-key",
			wantErr: true,
		},
		{
			name:    "plain text",
			input:   "just-plain-text",
			wantErr: true,
		},
		{
			name:    "plain env expansion has no type",
			input:   "${API_KEY}",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsRef(t *testing.T) {
	assert.True(t, IsRef("${env:GITHUB_TOKEN}"))
	assert.True(t, IsRef("Bearer ${keyring:api-token}"))
	assert.False(t, IsRef("${PLAIN_VAR}"))
	assert.False(t, IsRef("no references here"))
	assert.False(t, IsRef(""))
}

func TestFindRefs(t *testing.T) {
	refs := FindRefs("user=${env:DB_USER} pass=${keyring:db-pass}")
	require.Len(t, refs, 2)
	assert.Equal(t, "env", refs[0].Type)
	assert.Equal(t, "DB_USER", refs[0].Name)
	assert.Equal(t, "keyring", refs[1].Type)
	assert.Equal(t, "db-pass", refs[1].Name)
}

// fakeProvider serves secrets from a map, for resolver tests.
type fakeProvider struct {
	secretType string
	values     map[string]string
	available  bool
}

func (p *fakeProvider) CanResolve(secretType string) bool {
	return secretType == p.secretType
}

func (p *fakeProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	v, ok := p.values[ref.Name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", ref.Name)
	}
	return v, nil
}

func (p *fakeProvider) Store(_ context.Context, ref Ref, value string) error {
	p.values[ref.Name] = value
	return nil
}

func (p *fakeProvider) Delete(_ context.Context, ref Ref) error {
	delete(p.values, ref.Name)
	return nil
}

func (p *fakeProvider) List(_ context.Context) ([]Ref, error) {
	var refs []Ref
	for name := range p.values {
		refs = append(refs, Ref{Type: p.secretType, Name: name})
	}
	return refs, nil
}

func (p *fakeProvider) IsAvailable() bool {
	return p.available
}

func newFakeResolver(values map[string]string) *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.RegisterProvider("fake", &fakeProvider{secretType: "fake", values: values, available: true})
	return r
}

func TestExpandRefs(t *testing.T) {
	r := newFakeResolver(map[string]string{
		"token": "s3cr3t-value",
		"user":  "alice",
	})
	ctx := context.Background()

	t.Run("single reference", func(t *testing.T) {
		out, err := r.ExpandRefs(ctx, "Bearer ${fake:token}", nil)
		require.NoError(t, err)
		assert.Equal(t, "Bearer s3cr3t-value", out)
	})

	t.Run("multiple references", func(t *testing.T) {
		out, err := r.ExpandRefs(ctx, "${fake:user}:${fake:token}", nil)
		require.NoError(t, err)
		assert.Equal(t, "alice:s3cr3t-value", out)
	})

	t.Run("no references passes through", func(t *testing.T) {
		out, err := r.ExpandRefs(ctx, "plain value", nil)
		require.NoError(t, err)
		assert.Equal(t, "plain value", out)
	})

	t.Run("onResolved sees each value", func(t *testing.T) {
		var seen []string
		_, err := r.ExpandRefs(ctx, "${fake:user}:${fake:token}", func(v string) {
			seen = append(seen, v)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "s3cr3t-value"}, seen)
	})

	t.Run("unknown secret fails", func(t *testing.T) {
		_, err := r.ExpandRefs(ctx, "${fake:missing}", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "${fake:missing}")
	})

	t.Run("unknown type fails", func(t *testing.T) {
		_, err := r.ExpandRefs(ctx, "${vault:anything}", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no provider")
	})
}

func TestResolveUnavailableProvider(t *testing.T) {
	r := &Resolver{providers: make(map[string]Provider)}
	r.RegisterProvider("fake", &fakeProvider{secretType: "fake", available: false})

	_, err := r.Resolve(context.Background(), Ref{Type: "fake", Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestMaskValue(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"", "****"},
		{"abcd", "****"},
		{"abcdefgh", "ab****"},
		{"ghp_1234567890abcdef", "ghp****ef"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskValue(tt.value), tt.value)
	}
}
