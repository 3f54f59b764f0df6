package secrets

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by providers when a secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Provider defines a generic secrets manager interface.
type Provider interface {
	// GetSecret retrieves a secret by name and returns its key-value map.
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// StaticProvider serves secrets from memory, for local runs and tests.
type StaticProvider map[string]map[string]string

func (p StaticProvider) GetSecret(_ context.Context, name string) (map[string]string, error) {
	s, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}
