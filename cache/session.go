package cache

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"goa.design/stratum/keystore"
	"goa.design/stratum/telemetry"
	"goa.design/stratum/tenant"
)

// ErrSessionNotFound is returned when a session id does not resolve to a
// live session (never created, revoked, or expired).
var ErrSessionNotFound = errors.New("cache: session not found")

type (
	// Session is an authenticated user session. Sessions live outside the
	// tenant namespace because a single session may span multiple tenants
	// through its access list.
	Session struct {
		ID             string
		UserID         string
		Tenants        []tenant.Scope
		CreatedAt      time.Time
		LastActivityAt time.Time
	}

	// Sessions manages session lifecycle: creation with a secure random
	// token, validation with activity-based ttl extension, tenant access
	// grants and revocation.
	Sessions struct {
		store  keystore.Client
		ttl    time.Duration
		logger telemetry.Logger
	}

	// SessionOption configures optional session store settings.
	SessionOption func(*Sessions)
)

// DefaultSessionTTL is applied when no ttl is configured.
const DefaultSessionTTL = 24 * time.Hour

// WithSessionTTL sets the session ttl.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) { s.ttl = ttl }
}

// WithSessionLogger sets the session store logger.
func WithSessionLogger(l telemetry.Logger) SessionOption {
	return func(s *Sessions) { s.logger = l }
}

// NewSessions constructs a session store over the gated client.
func NewSessions(store keystore.Client, opts ...SessionOption) *Sessions {
	s := &Sessions{
		store:  store,
		ttl:    DefaultSessionTTL,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// createSessionScript writes the session hash, its tenant access set and the
// per-user index, and applies the ttl, in one step: a partial create could
// otherwise leave a session key with no expiry.
//
// KEYS: session hash, tenants set, user sessions set. ARGV: id, user_id,
// now_ms, ttl_ms, then one tenant scope per remaining arg.
var createSessionScript = keystore.NewScript(`
redis.call('HSET', KEYS[1],
  'user_id', ARGV[2], 'created_at', ARGV[3], 'last_activity_at', ARGV[3])
for i = 5, #ARGV do
  redis.call('SADD', KEYS[2], ARGV[i])
end
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// Create opens a session for the user with the given tenant access list and
// returns it with a freshly generated secure random token as its id.
func (s *Sessions) Create(ctx context.Context, userID string, tenants []tenant.Scope) (*Session, error) {
	if userID == "" {
		return nil, errors.New("cache: user id is required")
	}
	id, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	now := time.Now()
	args := []any{id, userID, now.UnixMilli(), s.ttl.Milliseconds()}
	for _, scope := range tenants {
		args = append(args, scope.String())
	}
	keys := []string{sessionKey(id), sessionTenantsKey(id), userSessionsKey(userID)}
	if _, err := s.store.Eval(ctx, createSessionScript, keys, args...); err != nil {
		return nil, err
	}
	return &Session{ID: id, UserID: userID, Tenants: tenants, CreatedAt: now, LastActivityAt: now}, nil
}

// Validate resolves a session id, stamps activity and extends the ttl.
// Returns ErrSessionNotFound for unknown, revoked or expired sessions.
func (s *Sessions) Validate(ctx context.Context, id string) (*Session, error) {
	fields, err := s.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	now := time.Now()
	if err := s.store.HSet(ctx, sessionKey(id), map[string]any{"last_activity_at": now.UnixMilli()}); err != nil {
		return nil, err
	}
	if err := s.expireSession(ctx, id, s.ttl); err != nil {
		return nil, err
	}
	members, err := s.store.SMembers(ctx, sessionTenantsKey(id))
	if err != nil {
		return nil, err
	}
	scopes := make([]tenant.Scope, 0, len(members))
	for _, m := range members {
		scopes = append(scopes, tenant.Scope(m))
	}
	sess := &Session{
		ID:             id,
		UserID:         fields["user_id"],
		Tenants:        scopes,
		LastActivityAt: now,
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		sess.CreatedAt = time.UnixMilli(ms)
	}
	return sess, nil
}

// Extend pushes the session expiry out by the given ttl (the configured ttl
// when zero) without stamping activity.
func (s *Sessions) Extend(ctx context.Context, id string, ttl time.Duration) error {
	if err := s.ensure(ctx, id); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.expireSession(ctx, id, ttl)
}

// HasAccess reports whether the session may operate under the given scope.
func (s *Sessions) HasAccess(ctx context.Context, id string, scope tenant.Scope) (bool, error) {
	members, err := s.store.SMembers(ctx, sessionTenantsKey(id))
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if tenant.Scope(m) == scope {
			return true, nil
		}
	}
	return false, nil
}

// Grant adds a tenant scope to the session access list.
func (s *Sessions) Grant(ctx context.Context, id string, scope tenant.Scope) error {
	if err := s.ensure(ctx, id); err != nil {
		return err
	}
	if _, err := s.store.SAdd(ctx, sessionTenantsKey(id), scope.String()); err != nil {
		return err
	}
	return s.expireSession(ctx, id, s.ttl)
}

// RevokeAccess removes a tenant scope from the session access list.
func (s *Sessions) RevokeAccess(ctx context.Context, id string, scope tenant.Scope) error {
	if err := s.ensure(ctx, id); err != nil {
		return err
	}
	_, err := s.store.SRem(ctx, sessionTenantsKey(id), scope.String())
	return err
}

// Revoke destroys the session immediately.
func (s *Sessions) Revoke(ctx context.Context, id string) error {
	fields, err := s.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return err
	}
	if userID := fields["user_id"]; userID != "" {
		_, _ = s.store.SRem(ctx, userSessionsKey(userID), id)
	}
	_, err = s.store.Del(ctx, sessionKey(id), sessionTenantsKey(id))
	return err
}

// RevokeUser destroys every live session belonging to the user and returns
// the number revoked.
func (s *Sessions) RevokeUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.store.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, id := range ids {
		if err := s.Revoke(ctx, id); err != nil {
			return revoked, err
		}
		revoked++
	}
	_, err = s.store.Del(ctx, userSessionsKey(userID))
	return revoked, err
}

func (s *Sessions) ensure(ctx context.Context, id string) error {
	fields, err := s.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Sessions) expireSession(ctx context.Context, id string, ttl time.Duration) error {
	if _, err := s.store.Expire(ctx, sessionKey(id), ttl); err != nil {
		return err
	}
	// The tenants set may be empty and therefore absent; ignore the result.
	_, err := s.store.Expire(ctx, sessionTenantsKey(id), ttl)
	return err
}

func sessionKey(id string) string        { return "session:" + id }
func sessionTenantsKey(id string) string { return "session:" + id + ":tenants" }
func userSessionsKey(userID string) string {
	return "session:user:" + userID
}

// newToken returns a 256-bit secure random token, URL-safe encoded.
func newToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
