package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeValidate(t *testing.T) {
	cases := []struct {
		name  string
		scope Scope
		err   error
	}{
		{"valid", "acme", nil},
		{"uuid-like", "550e8400-e29b-41d4-a716-446655440000", nil},
		{"empty", "", ErrScopeRequired},
		{"colon", "a:b", ErrInvalidScope},
		{"space", "a b", ErrInvalidScope},
		{"newline", "a\nb", ErrInvalidScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.scope.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestScopeContext(t *testing.T) {
	ctx := context.Background()

	_, ok := FromContext(ctx)
	assert.False(t, ok)

	ctx = NewContext(ctx, "acme")
	s, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, Scope("acme"), s)

	// An empty scope in the context counts as absent.
	_, ok = FromContext(NewContext(context.Background(), ""))
	assert.False(t, ok)
}
