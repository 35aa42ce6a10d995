// Package keystore provides the single connection abstraction over the
// backing Redis store. It exposes a typed primitive surface (strings, hashes,
// sorted sets, sets, lists, scans and atomic Lua scripts), translates driver
// errors into the stratum error taxonomy, retries transient availability
// errors locally with bounded exponential backoff, and routes every call
// through an optional Gate so a circuit breaker can bound and short-circuit
// operations.
//
// All other stratum components (tenant accessor, cache domain, rate limiter,
// task queue) are built on top of this package and never touch the Redis
// driver directly.
package keystore

import (
	"context"
	"time"
)

type (
	// Client is the typed command surface over the backing store.
	// Implementations must be safe for concurrent use. Absent keys are
	// reported as ErrNotFound, store unavailability as *ConnectionError,
	// *TimeoutError or *PoolExhaustedError.
	Client interface {
		// Get returns the value stored at key or ErrNotFound.
		Get(ctx context.Context, key string) ([]byte, error)
		// Set stores value at key. A zero ttl stores without expiry.
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		// SetNX stores value at key only if it does not exist. Reports
		// whether the value was stored.
		SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
		// Del removes the given keys and returns the number removed.
		Del(ctx context.Context, keys ...string) (int64, error)
		// Expire sets the ttl of key. Reports whether the key exists.
		Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
		// Incr atomically increments the integer stored at key.
		Incr(ctx context.Context, key string) (int64, error)

		// HSet sets the given fields on the hash stored at key.
		HSet(ctx context.Context, key string, fields map[string]any) error
		// HGetAll returns all fields of the hash stored at key. A missing
		// key yields an empty map, not an error.
		HGetAll(ctx context.Context, key string) (map[string]string, error)
		// HIncrBy atomically increments a hash field.
		HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

		// ZAdd adds a member with the given score to the sorted set at key.
		ZAdd(ctx context.Context, key string, score float64, member string) error
		// ZCard returns the cardinality of the sorted set at key.
		ZCard(ctx context.Context, key string) (int64, error)
		// ZRem removes members from the sorted set at key.
		ZRem(ctx context.Context, key string, members ...string) (int64, error)
		// ZRangeWithScores returns members by rank, ascending by score.
		ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
		// ZRangeByScore returns up to count members with min <= score <= max
		// (inclusive bounds, "-inf"/"+inf" accepted). count <= 0 means all.
		ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]string, error)
		// ZRemRangeByScore removes members with min <= score <= max.
		ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)

		// SAdd adds members to the set at key.
		SAdd(ctx context.Context, key string, members ...string) (int64, error)
		// SMembers returns all members of the set at key.
		SMembers(ctx context.Context, key string) ([]string, error)
		// SRem removes members from the set at key.
		SRem(ctx context.Context, key string, members ...string) (int64, error)

		// LPush prepends values to the list at key.
		LPush(ctx context.Context, key string, values ...string) (int64, error)
		// LRange returns the list elements between start and stop.
		LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// LTrim trims the list at key to the given range.
		LTrim(ctx context.Context, key string, start, stop int64) error

		// Scan returns all keys matching pattern. Intended for maintenance
		// and diagnostics, not hot paths.
		Scan(ctx context.Context, pattern string) ([]string, error)
		// Eval runs a Lua script atomically on the store. A script that
		// returns no value yields (nil, nil).
		Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error)
		// Ping verifies store connectivity.
		Ping(ctx context.Context) error
		// Close releases the underlying connection pool.
		Close() error
	}

	// Gate guards individual store operations. The circuit breaker satisfies
	// this interface; a nil gate means calls pass through unguarded.
	Gate interface {
		Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
	}

	// Member is a sorted set member with its score.
	Member struct {
		Member string
		Score  float64
	}
)
