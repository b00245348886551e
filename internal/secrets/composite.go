package secrets

import (
	"context"
	"errors"
	"fmt"
)

// CompositeProvider asks each provider in turn; the first success wins.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider chains providers in priority order. Nil entries are skipped.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	c := &CompositeProvider{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured for %q", ErrSecretNotFound, credentialRef)
	}
	var errs []error
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, credentialRef)
		if err == nil {
			if secret.Metadata == nil {
				secret.Metadata = map[string]string{}
			}
			if secret.Metadata["source"] == "" {
				secret.Metadata["source"] = provider.Name()
			}
			return secret, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
	}
	return nil, errors.Join(errs...)
}
