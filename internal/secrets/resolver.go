package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/pkg/cache"
	pkgsecrets "github.com/Checker-Finance/vault-ledger/pkg/secrets"
)

// Resolver reads service secrets from a Provider and caches the parsed
// value. It is generic over the parsed type T.
//
// Secret naming convention: {env}/{service}/{name}
type Resolver[T any] struct {
	logger   *zap.Logger
	env      string
	service  string
	provider pkgsecrets.Provider
	cache    *cache.TTL[T]
}

func NewResolver[T any](
	logger *zap.Logger,
	env string,
	service string,
	provider pkgsecrets.Provider,
	c *cache.TTL[T],
) *Resolver[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver[T]{
		logger:   logger,
		env:      env,
		service:  service,
		provider: provider,
		cache:    c,
	}
}

// SecretName builds the provider key for name. A name that already
// contains a "/" is used as is.
func (r *Resolver[T]) SecretName(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, r.service, name))
}

// Resolve returns the cached value for name, or fetches and parses it.
func (r *Resolver[T]) Resolve(ctx context.Context, name string, parse func(map[string]string) (T, error)) (T, error) {
	var zero T
	secretName := r.SecretName(name)

	if v, ok := r.cache.Get(secretName); ok {
		return v, nil
	}

	raw, err := r.provider.GetSecret(ctx, secretName)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed", zap.String("key", secretName), zap.Error(err))
		return zero, fmt.Errorf("resolve secret %q: %w", secretName, err)
	}

	v, err := parse(raw)
	if err != nil {
		return zero, fmt.Errorf("parse secret %q: %w", secretName, err)
	}

	r.cache.Put(secretName, v)
	r.logger.Info("secrets.resolved", zap.String("key", secretName))
	return v, nil
}

// Rotate drops the cached value for name so the next Resolve refetches it.
func (r *Resolver[T]) Rotate(name string) {
	r.cache.Bust(r.SecretName(name))
}

// AdminIdentityKey is the field holding the admin identity in the admin secret.
const AdminIdentityKey = "admin_identity"

// ParseAdminIdentity extracts the admin identity from a secret map.
func ParseAdminIdentity(m map[string]string) (string, error) {
	id := strings.TrimSpace(m[AdminIdentityKey])
	if id == "" {
		return "", fmt.Errorf("missing %s", AdminIdentityKey)
	}
	return id, nil
}
