package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stratum/keystore"
	"goa.design/stratum/tenant"
)

func newTestProgress(t *testing.T) (*Progress, func(d time.Duration)) {
	t.Helper()
	store, mr := newTestStore(t)
	return NewProgress(tenant.NewAccessor(store)), mr.FastForward
}

func TestProgressLifecycle(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProgress(t)

	id, err := p.Start(ctx, "acme", "", 3)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, p.Increment(ctx, "acme", id, "step one"))
	require.NoError(t, p.Increment(ctx, "acme", id, "step two"))

	rec, err := p.Get(ctx, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.TotalSteps)
	assert.Equal(t, int64(2), rec.CompletedSteps)
	assert.Equal(t, "step two", rec.LastMessage)
	assert.Equal(t, ProgressInProgress, rec.Status)

	require.NoError(t, p.Complete(ctx, "acme", id, "done"))
	rec, err = p.Get(ctx, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, ProgressCompleted, rec.Status)
	assert.Equal(t, "done", rec.LastMessage)
}

func TestProgressFail(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProgress(t)

	id, err := p.Start(ctx, "acme", "corr-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", id)

	require.NoError(t, p.Fail(ctx, "acme", id, "upstream exploded"))
	rec, err := p.Get(ctx, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, ProgressFailed, rec.Status)
	assert.Equal(t, "upstream exploded", rec.LastMessage)
}

func TestProgressTerminalGrace(t *testing.T) {
	ctx := context.Background()
	p, forward := newTestProgress(t)

	id, err := p.Start(ctx, "acme", "", 1)
	require.NoError(t, err)
	require.NoError(t, p.Complete(ctx, "acme", id, "done"))

	// The record outlives completion for the grace period, then expires.
	forward(time.Minute)
	_, err = p.Get(ctx, "acme", id)
	require.NoError(t, err)

	forward(DefaultProgressGrace)
	_, err = p.Get(ctx, "acme", id)
	assert.ErrorIs(t, err, keystore.ErrNotFound)
}

func TestProgressUnknownRecord(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProgress(t)

	_, err := p.Get(ctx, "acme", "missing")
	assert.ErrorIs(t, err, keystore.ErrNotFound)
	assert.ErrorIs(t, p.Increment(ctx, "acme", "missing", "x"), keystore.ErrNotFound)
	assert.ErrorIs(t, p.Complete(ctx, "acme", "missing", "x"), keystore.ErrNotFound)
}

func TestProgressRequiresPositiveSteps(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProgress(t)

	_, err := p.Start(ctx, "acme", "", 0)
	assert.Error(t, err)
}

func TestProgressScopedToTenant(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProgress(t)

	id, err := p.Start(ctx, "acme", "", 2)
	require.NoError(t, err)

	_, err = p.Get(ctx, "globex", id)
	assert.ErrorIs(t, err, keystore.ErrNotFound)
}
