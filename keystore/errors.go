package keystore

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is absent from the store.
var ErrNotFound = errors.New("keystore: key not found")

type (
	// ConnectionError reports that the backing store is unreachable. It
	// counts as a failure for circuit breaker purposes.
	ConnectionError struct {
		Op  string
		Err error
	}

	// TimeoutError reports that an operation exceeded its time bound. It
	// counts as a failure for circuit breaker purposes.
	TimeoutError struct {
		Op  string
		Err error
	}

	// PoolExhaustedError reports that no connection could be acquired from
	// the pool within the acquisition timeout. Retryable after backoff.
	PoolExhaustedError struct {
		Err error
	}
)

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("keystore %s: store unreachable: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("keystore %s: operation timed out: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error { return e.Err }

// Error implements the error interface.
func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("keystore: connection pool exhausted: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *PoolExhaustedError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err indicates the backing store is degraded
// or unreachable (as opposed to a programming or data error). Callers use it
// to drive fail-open and cache-miss degradation branches.
func IsUnavailable(err error) bool {
	var (
		connErr *ConnectionError
		toErr   *TimeoutError
		poolErr *PoolExhaustedError
	)
	return errors.As(err, &connErr) || errors.As(err, &toErr) || errors.As(err, &poolErr)
}

// translate maps driver errors into the stratum taxonomy. Server-side command
// errors (wrong type, bad script) pass through wrapped: they indicate bugs,
// not store degradation, and must not trip the breaker.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.ErrPoolTimeout):
		return &PoolExhaustedError{Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return fmt.Errorf("keystore %s: %w", op, err)
	}
	return &ConnectionError{Op: op, Err: err}
}
