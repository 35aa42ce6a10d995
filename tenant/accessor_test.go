package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stratum/keystore"
)

func newTestStore(t *testing.T) keystore.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return keystore.New(rdb, nil)
}

func TestKeyDerivation(t *testing.T) {
	a := NewAccessor(newTestStore(t))
	ctx := context.Background()

	k, err := a.Key(ctx, "acme", "cache:entry:doc")
	require.NoError(t, err)
	assert.Equal(t, "tenant:acme:cache:entry:doc", k)

	// Context scope applies when no explicit scope is given.
	k, err = a.Key(NewContext(ctx, "globex"), "", "x")
	require.NoError(t, err)
	assert.Equal(t, "tenant:globex:x", k)

	// Explicit scope wins over the context scope.
	k, err = a.Key(NewContext(ctx, "globex"), "acme", "x")
	require.NoError(t, err)
	assert.Equal(t, "tenant:acme:x", k)
}

func TestStrictModeRejectsMissingScope(t *testing.T) {
	a := NewAccessor(newTestStore(t))

	_, err := a.Key(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrScopeRequired)

	err = a.Set(context.Background(), "", "x", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrScopeRequired)
}

func TestPermissiveModeFallsBackToBareKey(t *testing.T) {
	a := NewAccessor(newTestStore(t), WithPermissiveMode())

	k, err := a.Key(context.Background(), "", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", k)
}

func TestInvalidScopeRejected(t *testing.T) {
	a := NewAccessor(newTestStore(t))

	_, err := a.Key(context.Background(), "a:b", "x")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestTenantIsolation(t *testing.T) {
	a := NewAccessor(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "acme", "doc", []byte("acme data"), 0))
	require.NoError(t, a.Set(ctx, "globex", "doc", []byte("globex data"), 0))

	got, err := a.Get(ctx, "acme", "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("acme data"), got)

	got, err = a.Get(ctx, "globex", "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("globex data"), got)

	// Deleting one tenant's key leaves the other untouched.
	require.NoError(t, a.Delete(ctx, "acme", "doc"))
	_, err = a.Get(ctx, "acme", "doc")
	assert.ErrorIs(t, err, keystore.ErrNotFound)
	_, err = a.Get(ctx, "globex", "doc")
	assert.NoError(t, err)
}

func TestScanStripsScopePrefix(t *testing.T) {
	a := NewAccessor(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "acme", "cache:entry:a", []byte("1"), time.Minute))
	require.NoError(t, a.Set(ctx, "acme", "cache:entry:b", []byte("2"), time.Minute))
	require.NoError(t, a.Set(ctx, "globex", "cache:entry:c", []byte("3"), time.Minute))

	keys, err := a.Scan(ctx, "acme", "cache:entry:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:entry:a", "cache:entry:b"}, keys)
}
