package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName scopes keyring entries.
	ServiceName       = "codebroker"
	SecretTypeKeyring = "keyring"

	// registryKey tracks stored secret names; go-keyring has no list
	// operation, so the provider maintains its own index entry.
	registryKey = "_codebroker_secret_registry"
)

// KeyringProvider resolves secrets from the OS keyring (Keychain,
// Secret Service, WinCred).
type KeyringProvider struct {
	serviceName string
}

func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{serviceName: ServiceName}
}

func (p *KeyringProvider) CanResolve(secretType string) bool {
	return secretType == SecretTypeKeyring
}

func (p *KeyringProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	if !p.CanResolve(ref.Type) {
		return "", fmt.Errorf("keyring provider cannot resolve secret type: %s", ref.Type)
	}

	value, err := keyring.Get(p.serviceName, ref.Name)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s from keyring: %w", ref.Name, err)
	}
	return value, nil
}

// Store saves a secret to the OS keyring and records it in the
// registry so List can find it later.
func (p *KeyringProvider) Store(_ context.Context, ref Ref, value string) error {
	if !p.CanResolve(ref.Type) {
		return fmt.Errorf("keyring provider cannot store secret type: %s", ref.Type)
	}

	if err := keyring.Set(p.serviceName, ref.Name, value); err != nil {
		return fmt.Errorf("failed to store secret %s in keyring: %w", ref.Name, err)
	}
	if err := p.addToRegistry(ref.Name); err != nil {
		return fmt.Errorf("failed to update secret registry: %w", err)
	}
	return nil
}

func (p *KeyringProvider) Delete(_ context.Context, ref Ref) error {
	if !p.CanResolve(ref.Type) {
		return fmt.Errorf("keyring provider cannot delete secret type: %s", ref.Type)
	}

	if err := keyring.Delete(p.serviceName, ref.Name); err != nil {
		return fmt.Errorf("failed to delete secret %s from keyring: %w", ref.Name, err)
	}
	if err := p.removeFromRegistry(ref.Name); err != nil {
		return fmt.Errorf("failed to update secret registry: %w", err)
	}
	return nil
}

// List returns the secret names recorded in the registry entry.
func (p *KeyringProvider) List(_ context.Context) ([]Ref, error) {
	registry, err := keyring.Get(p.serviceName, registryKey)
	if err != nil {
		// Registry doesn't exist yet
		return []Ref{}, nil
	}

	var refs []Ref
	for _, name := range strings.Split(registry, "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		refs = append(refs, Ref{
			Type:     SecretTypeKeyring,
			Name:     name,
			Original: fmt.Sprintf("${keyring:%s}", name),
		})
	}
	return refs, nil
}

// IsAvailable probes the keyring with a throwaway entry.
func (p *KeyringProvider) IsAvailable() bool {
	testKey := "_codebroker_test_availability"

	if err := keyring.Set(p.serviceName, testKey, "test"); err != nil {
		return false
	}
	if _, err := keyring.Get(p.serviceName, testKey); err != nil {
		return false
	}
	_ = keyring.Delete(p.serviceName, testKey)
	return true
}

func (p *KeyringProvider) addToRegistry(secretName string) error {
	registry, err := keyring.Get(p.serviceName, registryKey)
	if err != nil {
		registry = ""
	}

	for _, name := range strings.Split(registry, "\n") {
		if strings.TrimSpace(name) == secretName {
			return nil
		}
	}

	if registry != "" {
		registry += "\n"
	}
	registry += secretName
	return keyring.Set(p.serviceName, registryKey, registry)
}

func (p *KeyringProvider) removeFromRegistry(secretName string) error {
	registry, err := keyring.Get(p.serviceName, registryKey)
	if err != nil {
		return nil
	}

	var kept []string
	for _, name := range strings.Split(registry, "\n") {
		name = strings.TrimSpace(name)
		if name != "" && name != secretName {
			kept = append(kept, name)
		}
	}
	return keyring.Set(p.serviceName, registryKey, strings.Join(kept, "\n"))
}
