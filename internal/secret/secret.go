// Package secret resolves ${type:name} references in configuration
// values against pluggable providers. Upstream server definitions keep
// references on disk and get real values only in memory, at connect
// time, with every resolved value handed to the log sanitizer.
package secret

import (
	"context"
	"fmt"
)

// Ref is one parsed secret reference.
type Ref struct {
	Type     string // env, keyring
	Name     string // environment variable name, keyring alias
	Original string // original reference string
}

// Provider resolves secrets of one type.
type Provider interface {
	// CanResolve returns true if this provider handles the given secret type
	CanResolve(secretType string) bool

	// Resolve retrieves the actual secret value
	Resolve(ctx context.Context, ref Ref) (string, error)

	// Store saves a secret (if supported by the provider)
	Store(ctx context.Context, ref Ref, value string) error

	// Delete removes a secret (if supported by the provider)
	Delete(ctx context.Context, ref Ref) error

	// List returns all secret references handled by this provider
	List(ctx context.Context) ([]Ref, error)

	// IsAvailable checks if the provider works on the current system
	IsAvailable() bool
}

// Resolver routes references to the provider registered for their type.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver with the env and keyring providers
// registered.
func NewResolver() *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider),
	}
	r.RegisterProvider(SecretTypeEnv, NewEnvProvider())
	r.RegisterProvider(SecretTypeKeyring, NewKeyringProvider())
	return r
}

// RegisterProvider registers a provider for a secret type.
func (r *Resolver) RegisterProvider(secretType string, provider Provider) {
	r.providers[secretType] = provider
}

// Resolve resolves a single secret reference.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	provider, exists := r.providers[ref.Type]
	if !exists {
		return "", fmt.Errorf("no provider for secret type: %s", ref.Type)
	}
	if !provider.CanResolve(ref.Type) {
		return "", fmt.Errorf("provider cannot resolve secret type: %s", ref.Type)
	}
	if !provider.IsAvailable() {
		return "", fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}
	return provider.Resolve(ctx, ref)
}

// Store stores a secret using the provider for its type.
func (r *Resolver) Store(ctx context.Context, ref Ref, value string) error {
	provider, exists := r.providers[ref.Type]
	if !exists {
		return fmt.Errorf("no provider for secret type: %s", ref.Type)
	}
	if !provider.IsAvailable() {
		return fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}
	return provider.Store(ctx, ref, value)
}

// Delete deletes a secret using the provider for its type.
func (r *Resolver) Delete(ctx context.Context, ref Ref) error {
	provider, exists := r.providers[ref.Type]
	if !exists {
		return fmt.Errorf("no provider for secret type: %s", ref.Type)
	}
	if !provider.IsAvailable() {
		return fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}
	return provider.Delete(ctx, ref)
}

// ListAll lists secret references from every available provider.
// Provider failures are skipped, not fatal.
func (r *Resolver) ListAll(ctx context.Context) ([]Ref, error) {
	var allRefs []Ref
	for _, provider := range r.providers {
		if !provider.IsAvailable() {
			continue
		}
		refs, err := provider.List(ctx)
		if err != nil {
			continue
		}
		allRefs = append(allRefs, refs...)
	}
	return allRefs, nil
}

// AvailableProviders returns the secret types with a working provider.
func (r *Resolver) AvailableProviders() []string {
	var available []string
	for secretType, provider := range r.providers {
		if provider.IsAvailable() {
			available = append(available, secretType)
		}
	}
	return available
}
