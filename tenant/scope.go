// Package tenant enforces tenant isolation for all scoped store access.
//
// A Scope is the isolation boundary every cached key and quota is partitioned
// by. The Accessor derives physical keys as "tenant:{scope}:{key}" and, in
// strict mode, rejects any operation lacking a scope instead of falling back
// to an unscoped key: no silent cross-tenant fallback is permitted.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrScopeRequired is returned in strict mode when an operation carries no
// tenant scope. It is fatal to the call and never retried.
var ErrScopeRequired = errors.New("tenant: scope required")

// ErrInvalidScope is returned when a scope contains key-separator characters
// that would break the key namespace.
var ErrInvalidScope = errors.New("tenant: invalid scope")

// Scope is an opaque tenant identifier (UUID-like).
type Scope string

// Validate reports whether the scope is usable as a key segment.
func (s Scope) Validate() error {
	if s == "" {
		return ErrScopeRequired
	}
	if strings.ContainsAny(string(s), ": \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidScope, string(s))
	}
	return nil
}

func (s Scope) String() string { return string(s) }

type ctxKey struct{}

// NewContext returns a context carrying the given tenant scope.
func NewContext(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, scope)
}

// FromContext extracts the tenant scope from the context, if any.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok && s != ""
}
