package keystore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUnavailable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"connection", &ConnectionError{Op: "get", Err: errors.New("refused")}, true},
		{"timeout", &TimeoutError{Op: "set", Err: context.DeadlineExceeded}, true},
		{"pool exhausted", &PoolExhaustedError{Err: errors.New("pool timeout")}, true},
		{"wrapped connection", fmt.Errorf("outer: %w", &ConnectionError{Op: "get"}), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUnavailable(tc.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &ConnectionError{Op: "get", Err: cause}
	assert.ErrorIs(t, err, cause)

	terr := &TimeoutError{Op: "set", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, terr, context.DeadlineExceeded)
}
