package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const SecretTypeEnv = "env"

// EnvProvider resolves secrets from environment variables.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) CanResolve(secretType string) bool {
	return secretType == SecretTypeEnv
}

// Resolve retrieves the secret value from the environment. An unset or
// empty variable is an error so a missing secret cannot silently become
// an empty credential.
func (p *EnvProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	if !p.CanResolve(ref.Type) {
		return "", fmt.Errorf("env provider cannot resolve secret type: %s", ref.Type)
	}

	value := os.Getenv(ref.Name)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not found or empty", ref.Name)
	}
	return value, nil
}

func (p *EnvProvider) Store(_ context.Context, _ Ref, _ string) error {
	return fmt.Errorf("env provider does not support storing secrets")
}

func (p *EnvProvider) Delete(_ context.Context, _ Ref) error {
	return fmt.Errorf("env provider does not support deleting secrets")
}

// List returns environment variables whose names suggest credentials.
func (p *EnvProvider) List(_ context.Context) ([]Ref, error) {
	var refs []Ref
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 || pair[1] == "" {
			continue
		}
		if !isLikelySecretName(pair[0]) {
			continue
		}
		refs = append(refs, Ref{
			Type:     SecretTypeEnv,
			Name:     pair[0],
			Original: fmt.Sprintf("${env:%s}", pair[0]),
		})
	}
	return refs, nil
}

func (p *EnvProvider) IsAvailable() bool {
	return true
}

var secretNameKeywords = []string{
	"TOKEN", "SECRET", "KEY", "PASSWORD", "PASSWD", "CREDENTIAL", "AUTH",
}

func isLikelySecretName(name string) bool {
	upper := strings.ToUpper(name)
	for _, kw := range secretNameKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}
