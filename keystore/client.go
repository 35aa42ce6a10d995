package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// ConnectionConfig holds the backing store connection settings. Values
	// are validated by Connect; zero durations fall back to driver defaults.
	ConnectionConfig struct {
		// Addr is the host:port of the backing store. Required.
		Addr string
		// Password is the optional auth credential.
		Password string
		// DB selects the logical database.
		DB int
		// PoolSize bounds the shared process-wide connection pool.
		PoolSize int
		// PoolTimeout bounds how long an operation waits for a free
		// connection before failing with PoolExhaustedError.
		PoolTimeout time.Duration
		// DialTimeout bounds connection establishment.
		DialTimeout time.Duration
		// ReadTimeout and WriteTimeout bound individual socket operations.
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
	}

	// Script is a Lua script executed atomically on the store. go-redis
	// runs it via EVALSHA with automatic EVAL fallback on cache miss.
	Script struct {
		rs *redis.Script
	}

	// RetryConfig bounds the local retry of transient store errors. Each
	// operation is attempted up to MaxAttempts times with exponential
	// backoff between attempts before the error surfaces to the caller.
	RetryConfig struct {
		MaxAttempts int
		Base        time.Duration
		Max         time.Duration
	}

	// client implements Client on top of go-redis. Every command funnels
	// through do so the gate sees one success/failure record per attempt.
	client struct {
		rdb   *redis.Client
		gate  Gate
		retry RetryConfig
	}

	// ClientOption configures optional client settings.
	ClientOption func(*client)
)

// DefaultConnectionConfig returns the default connection settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		PoolTimeout:  5 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// DefaultRetryConfig returns the default transient-error retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Base:        50 * time.Millisecond,
		Max:         time.Second,
	}
}

// WithRetry overrides the transient-error retry settings. MaxAttempts of 1
// disables retries.
func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *client) { c.retry = cfg }
}

// NewScript compiles a Lua script for use with Client.Eval.
func NewScript(src string) *Script {
	return &Script{rs: redis.NewScript(src)}
}

// Connect builds a Redis client from the given configuration and verifies
// connectivity with a single ping.
func Connect(ctx context.Context, cfg ConnectionConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("keystore: store address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, translate("ping", err)
	}
	return rdb, nil
}

// New wraps an existing Redis connection in a Client. The gate, when not nil,
// guards every operation; pass the circuit breaker here. Callers that own the
// Redis connection may pass a nil gate for direct access (tests, tooling).
func New(rdb *redis.Client, gate Gate, opts ...ClientOption) Client {
	c := &client{rdb: rdb, gate: gate, retry: DefaultRetryConfig()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do runs one operation through the gate, retrying transient availability
// errors up to the retry budget. Retries sit outside the gate so the breaker
// records every attempt; once it opens, the gate returns its own error, which
// is not transient, and the loop stops.
func (c *client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		if c.gate == nil {
			return fn(ctx)
		}
		return c.gate.Do(ctx, op, fn)
	}
	var err error
	for i := 1; ; i++ {
		err = attempt()
		if err == nil || !IsUnavailable(err) || i >= c.retry.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryDelay(c.retry, i)):
		}
	}
}

// retryDelay is base * 2^(attempt-1), capped at the configured maximum.
func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.Base << (attempt - 1)
	if cfg.Max > 0 && d > cfg.Max {
		d = cfg.Max
	}
	return d
}

func (c *client) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := c.do(ctx, "get", func(ctx context.Context) error {
		b, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			return translate("get", err)
		}
		val = b
		return nil
	})
	return val, err
}

func (c *client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.do(ctx, "set", func(ctx context.Context) error {
		return translate("set", c.rdb.Set(ctx, key, value, ttl).Err())
	})
}

func (c *client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "setnx", func(ctx context.Context) error {
		set, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return translate("setnx", err)
		}
		ok = set
		return nil
	})
	return ok, err
}

func (c *client) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "del", func(ctx context.Context) error {
		removed, err := c.rdb.Del(ctx, keys...).Result()
		if err != nil {
			return translate("del", err)
		}
		n = removed
		return nil
	})
	return n, err
}

func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "expire", func(ctx context.Context) error {
		set, err := c.rdb.Expire(ctx, key, ttl).Result()
		if err != nil {
			return translate("expire", err)
		}
		ok = set
		return nil
	})
	return ok, err
}

func (c *client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "incr", func(ctx context.Context) error {
		v, err := c.rdb.Incr(ctx, key).Result()
		if err != nil {
			return translate("incr", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) HSet(ctx context.Context, key string, fields map[string]any) error {
	return c.do(ctx, "hset", func(ctx context.Context) error {
		return translate("hset", c.rdb.HSet(ctx, key, fields).Err())
	})
}

func (c *client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := c.do(ctx, "hgetall", func(ctx context.Context) error {
		v, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return translate("hgetall", err)
		}
		m = v
		return nil
	})
	return m, err
}

func (c *client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var n int64
	err := c.do(ctx, "hincrby", func(ctx context.Context) error {
		v, err := c.rdb.HIncrBy(ctx, key, field, incr).Result()
		if err != nil {
			return translate("hincrby", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.do(ctx, "zadd", func(ctx context.Context) error {
		return translate("zadd", c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
	})
}

func (c *client) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "zcard", func(ctx context.Context) error {
		v, err := c.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return translate("zcard", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "zrem", func(ctx context.Context) error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		v, err := c.rdb.ZRem(ctx, key, args...).Result()
		if err != nil {
			return translate("zrem", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	var members []Member
	err := c.do(ctx, "zrange", func(ctx context.Context) error {
		zs, err := c.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
		if err != nil {
			return translate("zrange", err)
		}
		members = make([]Member, len(zs))
		for i, z := range zs {
			members[i] = Member{Member: fmt.Sprint(z.Member), Score: z.Score}
		}
		return nil
	})
	return members, err
}

func (c *client) ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]string, error) {
	var members []string
	err := c.do(ctx, "zrangebyscore", func(ctx context.Context) error {
		opt := &redis.ZRangeBy{Min: min, Max: max}
		if count > 0 {
			opt.Count = count
		}
		v, err := c.rdb.ZRangeByScore(ctx, key, opt).Result()
		if err != nil {
			return translate("zrangebyscore", err)
		}
		members = v
		return nil
	})
	return members, err
}

func (c *client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	var n int64
	err := c.do(ctx, "zremrangebyscore", func(ctx context.Context) error {
		v, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
		if err != nil {
			return translate("zremrangebyscore", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "sadd", func(ctx context.Context) error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		v, err := c.rdb.SAdd(ctx, key, args...).Result()
		if err != nil {
			return translate("sadd", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := c.do(ctx, "smembers", func(ctx context.Context) error {
		v, err := c.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return translate("smembers", err)
		}
		members = v
		return nil
	})
	return members, err
}

func (c *client) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "srem", func(ctx context.Context) error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		v, err := c.rdb.SRem(ctx, key, args...).Result()
		if err != nil {
			return translate("srem", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "lpush", func(ctx context.Context) error {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		v, err := c.rdb.LPush(ctx, key, args...).Result()
		if err != nil {
			return translate("lpush", err)
		}
		n = v
		return nil
	})
	return n, err
}

func (c *client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var values []string
	err := c.do(ctx, "lrange", func(ctx context.Context) error {
		v, err := c.rdb.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return translate("lrange", err)
		}
		values = v
		return nil
	})
	return values, err
}

func (c *client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.do(ctx, "ltrim", func(ctx context.Context) error {
		return translate("ltrim", c.rdb.LTrim(ctx, key, start, stop).Err())
	})
}

func (c *client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.do(ctx, "scan", func(ctx context.Context) error {
		var cursor uint64
		for {
			batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return translate("scan", err)
			}
			keys = append(keys, batch...)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return keys, err
}

func (c *client) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	var res any
	err := c.do(ctx, "eval", func(ctx context.Context) error {
		v, err := script.rs.Run(ctx, c.rdb, keys, args...).Result()
		if err != nil {
			// A script that returns no value surfaces as redis.Nil.
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return translate("eval", err)
		}
		res = v
		return nil
	})
	return res, err
}

func (c *client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", func(ctx context.Context) error {
		return translate("ping", c.rdb.Ping(ctx).Err())
	})
}

func (c *client) Close() error {
	return c.rdb.Close()
}
