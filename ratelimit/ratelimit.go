// Package ratelimit implements distributed rate limiting over the key-value
// store with two algorithms: a sliding window counter for smooth per-window
// quotas and a token bucket for burst-tolerant sustained rates.
//
// Checks are atomic Lua scripts so concurrent callers can never jointly
// exceed a limit. When the store is degraded the limiter fails open: requests
// are allowed (with a warning and a Degraded decision) under a local
// process-level fallback limiter, because denying all traffic during a store
// outage is a worse failure than briefly exceeding a quota.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/stratum/breaker"
	"goa.design/stratum/keystore"
	"goa.design/stratum/telemetry"
)

// Algorithm selects the limiting strategy.
type Algorithm string

const (
	// SlidingWindow counts request timestamps in a rolling window.
	SlidingWindow Algorithm = "sliding_window"
	// TokenBucket refills tokens at a fixed rate up to a burst capacity.
	TokenBucket Algorithm = "token_bucket"
)

type (
	// Config defines one limit. For SlidingWindow, Limit requests per Window.
	// For TokenBucket, Rate tokens per second refill up to Burst capacity.
	// Cost is the weight of one request against the limit; zero means 1.
	Config struct {
		Algorithm Algorithm
		Limit     int64
		Window    time.Duration
		Rate      float64
		Burst     int64
		Cost      int64
	}

	// Decision is the outcome of a limit check.
	Decision struct {
		Allowed    bool
		Remaining  int64
		RetryAfter time.Duration
		// Degraded is set when the store was unreachable and the decision
		// came from the local fallback limiter.
		Degraded bool
	}

	// Limiter evaluates configured limits against the store.
	Limiter struct {
		store    keystore.Client
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		fallback *rate.Limiter
	}

	// Option configures optional limiter settings.
	Option func(*Limiter)
)

// DefaultConfig is a sliding window of 100 requests per minute.
func DefaultConfig() Config {
	return Config{
		Algorithm: SlidingWindow,
		Limit:     100,
		Window:    time.Minute,
	}
}

// Validate reports whether the config is usable.
func (c Config) Validate() error {
	switch c.Algorithm {
	case SlidingWindow:
		if c.Limit <= 0 || c.Window <= 0 {
			return fmt.Errorf("ratelimit: sliding window requires positive limit and window")
		}
	case TokenBucket:
		if c.Rate <= 0 || c.Burst <= 0 {
			return fmt.Errorf("ratelimit: token bucket requires positive rate and burst")
		}
	default:
		return fmt.Errorf("ratelimit: unknown algorithm %q", c.Algorithm)
	}
	if c.Cost < 0 {
		return fmt.Errorf("ratelimit: negative cost")
	}
	return nil
}

// WithLogger sets the limiter logger.
func WithLogger(l telemetry.Logger) Option {
	return func(lim *Limiter) { lim.logger = l }
}

// WithMetrics sets the limiter metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(lim *Limiter) { lim.metrics = m }
}

// WithFallback overrides the local fail-open limiter used while the store is
// degraded. The default allows 100 requests per second with a burst of 100.
func WithFallback(fl *rate.Limiter) Option {
	return func(lim *Limiter) { lim.fallback = fl }
}

// New constructs a Limiter over the gated client.
func New(store keystore.Client, opts ...Option) *Limiter {
	lim := &Limiter{
		store:    store,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		fallback: rate.NewLimiter(rate.Limit(100), 100),
	}
	for _, opt := range opts {
		opt(lim)
	}
	return lim
}

// slidingWindowScript prunes timestamps older than the window, counts the
// remainder, and conditionally records the request. On denial it returns the
// millis until the oldest entry leaves the window.
//
// Members are built from a caller-supplied nonce, never script-side
// math.random: Redis seeds the Lua PRNG identically on every invocation, so
// same-millisecond requests would collide and ZADD would dedupe a whole burst
// into one counted event.
//
// KEYS[1] window key. ARGV: now_ms, window_ms, limit, cost, nonce.
var slidingWindowScript = keystore.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count + cost <= limit then
  for i = 1, cost do
    redis.call('ZADD', KEYS[1], now, ARGV[5] .. '-' .. i)
  end
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, limit - count - cost, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then
  retry = math.floor(oldest[2]) + window - now
  if retry < 0 then retry = 0 end
end
return {0, limit - count, retry}
`)

// tokenBucketScript refills the bucket from elapsed time and consumes the
// request cost if available. On denial it returns the millis until enough
// tokens refill.
//
// KEYS[1] bucket key. ARGV: now_ms, rate (tokens/sec), burst, cost.
var tokenBucketScript = keystore.NewScript(`
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local vals = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(vals[1])
local ts = tonumber(vals[2])
if tokens == nil then
  tokens = burst
  ts = now
end
local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(burst, tokens + elapsed * rate / 1000)
end
local allowed = 0
local retry = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
else
  retry = math.ceil((cost - tokens) * 1000 / rate)
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate) * 2)
return {allowed, math.floor(tokens), retry}
`)

// Check evaluates the config against the identified subject and records the
// request when allowed. Identifier is an opaque subject such as "ip:10.0.0.1",
// "user:42", "tenant:acme" or "endpoint:/v1/search".
func (lim *Limiter) Check(ctx context.Context, cfg Config, identifier string) (Decision, error) {
	if err := cfg.Validate(); err != nil {
		return Decision{}, err
	}
	now := time.Now().UnixMilli()
	cost := cfg.Cost
	if cost <= 0 {
		cost = 1
	}
	var (
		res any
		err error
	)
	switch cfg.Algorithm {
	case SlidingWindow:
		key := windowKey(cfg, identifier)
		res, err = lim.store.Eval(ctx, slidingWindowScript, []string{key},
			now, cfg.Window.Milliseconds(), cfg.Limit, cost, uuid.NewString())
	case TokenBucket:
		key := bucketKey(cfg, identifier)
		res, err = lim.store.Eval(ctx, tokenBucketScript, []string{key},
			now, cfg.Rate, cfg.Burst, cost)
	}
	if err != nil {
		if breaker.IsOpen(err) || keystore.IsUnavailable(err) {
			return lim.degraded(ctx, identifier, err), nil
		}
		return Decision{}, err
	}
	d := parseDecision(res)
	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	lim.metrics.IncCounter("ratelimit_checks_total", 1,
		"algorithm", string(cfg.Algorithm), "outcome", outcome)
	return d, nil
}

// DefaultScopeOrder is the canonical evaluation priority for CheckAll,
// applied to the kind prefix of each identifier (the part before the first
// colon): per-IP limits first, then per-user, per-tenant and per-endpoint.
var DefaultScopeOrder = []string{"ip", "user", "tenant", "endpoint"}

// CheckAll evaluates limits for several subjects in order and returns the
// first denial. A nil order evaluates the checks in DefaultScopeOrder by
// identifier kind. The request counts against every scope checked before the
// denial.
func (lim *Limiter) CheckAll(ctx context.Context, checks map[string]Config, order []string) (Decision, string, error) {
	if order == nil {
		order = orderByScope(checks)
	}
	degraded := false
	for _, identifier := range order {
		cfg, ok := checks[identifier]
		if !ok {
			continue
		}
		d, err := lim.Check(ctx, cfg, identifier)
		if err != nil {
			return Decision{}, identifier, err
		}
		if !d.Allowed {
			return d, identifier, nil
		}
		degraded = degraded || d.Degraded
	}
	return Decision{Allowed: true, Degraded: degraded}, "", nil
}

// degraded is the fail-open path: the store is unreachable, so a local
// process-level limiter bounds traffic instead of denying everything.
func (lim *Limiter) degraded(ctx context.Context, identifier string, cause error) Decision {
	lim.logger.Warn(ctx, "rate limiter degraded, failing open",
		"identifier", identifier, "error", cause)
	lim.metrics.IncCounter("ratelimit_degraded_total", 1)
	if lim.fallback.Allow() {
		return Decision{Allowed: true, Degraded: true}
	}
	return Decision{Degraded: true, RetryAfter: time.Second}
}

// orderByScope arranges the check identifiers in DefaultScopeOrder by kind
// prefix, sorting within a kind (and any unrecognized leftovers) so the
// evaluation order is deterministic.
func orderByScope(checks map[string]Config) []string {
	order := make([]string, 0, len(checks))
	seen := make(map[string]bool, len(checks))
	for _, kind := range DefaultScopeOrder {
		var matched []string
		for id := range checks {
			if scopeKind(id) == kind {
				matched = append(matched, id)
				seen[id] = true
			}
		}
		sort.Strings(matched)
		order = append(order, matched...)
	}
	var rest []string
	for id := range checks {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func scopeKind(identifier string) string {
	if i := strings.Index(identifier, ":"); i >= 0 {
		return identifier[:i]
	}
	return identifier
}

func parseDecision(res any) Decision {
	vals, ok := res.([]any)
	if !ok || len(vals) < 3 {
		return Decision{}
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	retry, _ := vals[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retry) * time.Millisecond,
	}
}

// windowKey embeds the window length so reconfiguring a limit starts a fresh
// window instead of inheriting stale counts.
func windowKey(cfg Config, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", SlidingWindow, identifier, cfg.Window.Milliseconds())
}

func bucketKey(cfg Config, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", TokenBucket, identifier, cfg.Burst)
}
