// Package cache implements the typed cache domain on top of the
// tenant-isolated accessor: versioned entries with TTL and tag invalidation,
// user sessions with tenant access lists, and progress records for
// long-running operations.
//
// Writes are atomic Lua scripts so version increments and tag index updates
// cannot race across concurrent callers. When the store is degraded (circuit
// open or unreachable) reads report a cache miss instead of an error: the
// cache is an availability optimization, never a source of truth.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goa.design/stratum/breaker"
	"goa.design/stratum/keystore"
	"goa.design/stratum/telemetry"
	"goa.design/stratum/tenant"
)

type (
	// Entry is a versioned cache entry. Version starts at 1 on first write
	// and increments on every subsequent write; readers may compare versions
	// to detect staleness.
	Entry struct {
		Key        string
		Payload    []byte
		Version    int64
		Tags       []string
		CreatedAt  time.Time
		UpdatedAt  time.Time
		AccessedAt time.Time
	}

	// Cache stores tenant-scoped entries. All keys are derived through the
	// accessor so entries can never escape their tenant scope.
	Cache struct {
		acc        *tenant.Accessor
		defaultTTL time.Duration
		logger     telemetry.Logger
		metrics    telemetry.Metrics
	}

	// CacheOption configures optional cache settings.
	CacheOption func(*Cache)
)

// WithDefaultTTL sets the ttl applied when Set is called with a zero ttl.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithCacheLogger sets the cache logger.
func WithCacheLogger(l telemetry.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// WithCacheMetrics sets the cache metrics sink.
func WithCacheMetrics(m telemetry.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// New constructs a Cache over the given accessor.
func New(acc *tenant.Accessor, opts ...CacheOption) *Cache {
	c := &Cache{
		acc:        acc,
		defaultTTL: time.Hour,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// writeScript performs the versioned write: increment version, store payload
// and metadata, apply ttl, and index the entry under each tag set. Tag set
// ttls are only ever extended so a short-lived entry cannot truncate the
// index of a longer-lived one.
var writeScript = keystore.NewScript(`
local version = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'updated_at', ARGV[2], 'tags', ARGV[4])
if version == 1 then
  redis.call('HSET', KEYS[1], 'created_at', ARGV[2])
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
for i = 2, #KEYS do
  redis.call('SADD', KEYS[i], ARGV[5])
  if ttl > 0 then
    local cur = redis.call('PTTL', KEYS[i])
    if cur >= 0 and cur < ttl then
      redis.call('PEXPIRE', KEYS[i], ttl)
    end
  end
end
return version
`)

// invalidateTagScript deletes every entry indexed under a tag set and the
// set itself, returning the number of entries removed. Running it twice is a
// no-op the second time.
var invalidateTagScript = keystore.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, k in ipairs(members) do
  removed = removed + redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
return removed
`)

// Set writes payload under the scoped key, incrementing the entry version
// and indexing it under the given tags. A zero ttl uses the default ttl.
// Returns the new version.
func (c *Cache) Set(ctx context.Context, scope tenant.Scope, key string, payload []byte, ttl time.Duration, tags ...string) (int64, error) {
	ek, err := c.acc.Key(ctx, scope, entryKey(key))
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	keys := make([]string, 0, len(tags)+1)
	keys = append(keys, ek)
	for _, tag := range tags {
		// Tags are serialized comma-separated on the entry.
		if tag == "" || strings.Contains(tag, ",") {
			return 0, fmt.Errorf("cache: invalid tag %q", tag)
		}
		tk, err := c.acc.Key(ctx, scope, tagKey(tag))
		if err != nil {
			return 0, err
		}
		keys = append(keys, tk)
	}
	now := time.Now().UnixMilli()
	res, err := c.acc.Store().Eval(ctx, writeScript, keys,
		payload, now, ttl.Milliseconds(), strings.Join(tags, ","), ek)
	if err != nil {
		return 0, err
	}
	version, _ := res.(int64)
	c.metrics.IncCounter("cache_writes_total", 1, "scope", scope.String())
	return version, nil
}

// Get returns the entry stored under the scoped key. A missing or expired
// entry yields keystore.ErrNotFound. When the store is degraded the call is
// reported as a miss rather than an error (cache-aside degradation).
func (c *Cache) Get(ctx context.Context, scope tenant.Scope, key string) (*Entry, error) {
	k, err := c.acc.Key(ctx, scope, entryKey(key))
	if err != nil {
		return nil, err
	}
	fields, err := c.acc.Store().HGetAll(ctx, k)
	if err != nil {
		if breaker.IsOpen(err) || keystore.IsUnavailable(err) {
			c.logger.Warn(ctx, "cache read degraded to miss", "key", key, "error", err)
			c.metrics.IncCounter("cache_degraded_misses_total", 1, "scope", scope.String())
			return nil, keystore.ErrNotFound
		}
		return nil, err
	}
	if len(fields) == 0 {
		c.metrics.IncCounter("cache_misses_total", 1, "scope", scope.String())
		return nil, keystore.ErrNotFound
	}
	c.metrics.IncCounter("cache_hits_total", 1, "scope", scope.String())
	entry := parseEntry(key, fields)

	// Best-effort access stamp; staleness here is harmless.
	_ = c.acc.Store().HSet(ctx, k, map[string]any{"accessed_at": time.Now().UnixMilli()})
	return entry, nil
}

// Invalidate removes the entry stored under the scoped key.
func (c *Cache) Invalidate(ctx context.Context, scope tenant.Scope, key string) error {
	k, err := c.acc.Key(ctx, scope, entryKey(key))
	if err != nil {
		return err
	}
	_, err = c.acc.Store().Del(ctx, k)
	return err
}

// InvalidateByTag removes every entry indexed under the tag within the scope
// and returns the number of entries removed. Idempotent: a second call finds
// an empty tag set and returns zero.
func (c *Cache) InvalidateByTag(ctx context.Context, scope tenant.Scope, tag string) (int64, error) {
	tk, err := c.acc.Key(ctx, scope, tagKey(tag))
	if err != nil {
		return 0, err
	}
	res, err := c.acc.Store().Eval(ctx, invalidateTagScript, []string{tk})
	if err != nil {
		return 0, err
	}
	removed, _ := res.(int64)
	c.metrics.IncCounter("cache_tag_invalidations_total", 1, "scope", scope.String())
	return removed, nil
}

// Keys returns the logical cache keys stored under the scope.
func (c *Cache) Keys(ctx context.Context, scope tenant.Scope) ([]string, error) {
	keys, err := c.acc.Scan(ctx, scope, "cache:entry:*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, "cache:entry:"))
	}
	return out, nil
}

func entryKey(key string) string { return "cache:entry:" + key }
func tagKey(tag string) string   { return "cache:tag:" + tag }

func parseEntry(key string, fields map[string]string) *Entry {
	e := &Entry{
		Key:     key,
		Payload: []byte(fields["payload"]),
	}
	if v, err := strconv.ParseInt(fields["version"], 10, 64); err == nil {
		e.Version = v
	}
	if fields["tags"] != "" {
		e.Tags = strings.Split(fields["tags"], ",")
	}
	e.CreatedAt = parseMilli(fields["created_at"])
	e.UpdatedAt = parseMilli(fields["updated_at"])
	e.AccessedAt = parseMilli(fields["accessed_at"])
	return e
}

func parseMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
