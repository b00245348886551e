// Package secrets resolves the credential used to authorize the agent
// backend and scopes it to a single call.
//
// The credential never lives in process-wide state. It is resolved from a
// reference (e.g. "env://ANTHROPIC_API_KEY"), wrapped in a Lease that is
// handed explicitly to the backend, and released when the run ends.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or included in LLM responses.
type Secret struct {
	Value    string            // The raw secret value (API key, token).
	Metadata map[string]string // Backend-specific metadata (e.g. source variable).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY") and returns
	// the raw secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

var (
	// ErrSecretNotFound is returned when a credential reference cannot be resolved.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrLeaseReleased is returned by Lease.Reveal after Release.
	ErrLeaseReleased = errors.New("credential lease released")
)

// Lease scopes a credential to one agent call. After Release the value is
// zeroed and Reveal fails, so a backend that outlives its run (for example
// after a timeout) cannot keep using the credential.
type Lease struct {
	mu       sync.Mutex
	value    []byte
	source   string
	released bool
}

// Acquire resolves ref through the provider and returns a lease on the result.
func Acquire(ctx context.Context, p Provider, ref string) (*Lease, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no secret provider configured", ErrSecretNotFound)
	}
	secret, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Value == "" {
		return nil, fmt.Errorf("%w: %q resolved to an empty value", ErrSecretNotFound, ref)
	}
	source := secret.Metadata["source"]
	if source == "" {
		source = p.Name()
	}
	return NewLease(secret.Value, source), nil
}

// NewLease wraps a raw value.
func NewLease(value, source string) *Lease {
	return &Lease{value: []byte(value), source: source}
}

// Reveal returns the credential while the lease is held.
func (l *Lease) Reveal() (string, error) {
	if l == nil {
		return "", ErrSecretNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return "", ErrLeaseReleased
	}
	return string(l.value), nil
}

// Source names the provider the credential came from.
func (l *Lease) Source() string {
	if l == nil {
		return ""
	}
	return l.source
}

// Release zeroes the credential. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.value {
		l.value[i] = 0
	}
	l.value = nil
	l.released = true
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}
