package secrets

import (
	"context"
	"fmt"
)

// StaticProvider serves a single value configured in the config file.
// It answers any reference, so it belongs last in a CompositeProvider.
type StaticProvider struct {
	value string
}

// NewStaticProvider creates a provider that always resolves to value.
func NewStaticProvider(value string) *StaticProvider {
	return &StaticProvider{value: value}
}

func (p *StaticProvider) Name() string { return "config" }

func (p *StaticProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	if p.value == "" {
		return nil, fmt.Errorf("%w: no api_key configured for %q", ErrSecretNotFound, credentialRef)
	}
	return &Secret{Value: p.value, Metadata: map[string]string{"source": "config"}}, nil
}
