package tenant

import (
	"context"
	"strings"
	"time"

	"goa.design/stratum/keystore"
	"goa.design/stratum/telemetry"
)

const keyPrefix = "tenant:"

type (
	// Accessor mediates all tenant-scoped store access. It owns key naming:
	// every physical key it produces has the form "tenant:{scope}:{key}".
	// The underlying client is expected to be gated by the circuit breaker,
	// so calls fail fast with *breaker.OpenError when the store degrades.
	Accessor struct {
		store  keystore.Client
		strict bool
		logger telemetry.Logger
	}

	// Option configures optional accessor settings.
	Option func(*Accessor)
)

// WithPermissiveMode disables strict scope enforcement: operations lacking a
// scope fall back to the bare key instead of failing. Development only; in
// production the default strict mode keeps cross-tenant fallback impossible.
func WithPermissiveMode() Option {
	return func(a *Accessor) { a.strict = false }
}

// WithLogger sets the accessor logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Accessor) { a.logger = l }
}

// NewAccessor constructs a strict-mode Accessor over the given client.
func NewAccessor(store keystore.Client, opts ...Option) *Accessor {
	a := &Accessor{
		store:  store,
		strict: true,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key derives the physical key for a logical key under the given scope. When
// scope is empty the scope is read from the context; in strict mode a missing
// scope fails with ErrScopeRequired.
func (a *Accessor) Key(ctx context.Context, scope Scope, key string) (string, error) {
	resolved, err := a.resolve(ctx, scope)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		// Permissive fallback: unscoped key.
		return key, nil
	}
	return keyPrefix + resolved.String() + ":" + key, nil
}

// Store exposes the gated client for domain packages that operate on keys
// derived via Key. Callers must not construct scoped keys by hand.
func (a *Accessor) Store() keystore.Client {
	return a.store
}

// Get returns the value stored under the scoped key, or keystore.ErrNotFound.
func (a *Accessor) Get(ctx context.Context, scope Scope, key string) ([]byte, error) {
	k, err := a.Key(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	return a.store.Get(ctx, k)
}

// Set stores the value under the scoped key with the given ttl.
func (a *Accessor) Set(ctx context.Context, scope Scope, key string, value []byte, ttl time.Duration) error {
	k, err := a.Key(ctx, scope, key)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, k, value, ttl)
}

// Delete removes the scoped key. Removing an absent key is not an error.
func (a *Accessor) Delete(ctx context.Context, scope Scope, key string) error {
	k, err := a.Key(ctx, scope, key)
	if err != nil {
		return err
	}
	_, err = a.store.Del(ctx, k)
	return err
}

// Scan returns the logical keys under the scope matching pattern. The scope
// prefix is stripped from the results so callers never observe physical keys.
func (a *Accessor) Scan(ctx context.Context, scope Scope, pattern string) ([]string, error) {
	prefix, err := a.Key(ctx, scope, "")
	if err != nil {
		return nil, err
	}
	keys, err := a.store.Scan(ctx, prefix+pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

// resolve returns the effective scope for an operation. Explicit scope wins,
// then the context scope; strict mode turns a missing scope into an error.
func (a *Accessor) resolve(ctx context.Context, scope Scope) (Scope, error) {
	if scope == "" {
		if s, ok := FromContext(ctx); ok {
			scope = s
		}
	}
	if scope == "" {
		if a.strict {
			return "", ErrScopeRequired
		}
		a.logger.Warn(ctx, "operation without tenant scope, using unscoped key")
		return "", nil
	}
	if err := scope.Validate(); err != nil {
		return "", err
	}
	return scope, nil
}
