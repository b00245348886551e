package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const envScheme = "env://"

// EnvProvider reads credentials from environment variables at call time.
// References look like "env://ANTHROPIC_API_KEY". The value is read once per
// Resolve and never written back to the environment.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{lookup: os.LookupEnv} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	envVar, ok := strings.CutPrefix(credentialRef, envScheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an %s reference", ErrSecretNotFound, credentialRef, envScheme)
	}
	if envVar == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value, found := p.lookup(envVar)
	if !found || strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrSecretNotFound, envVar)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": envVar},
	}, nil
}
