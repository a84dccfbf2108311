package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
	"go.uber.org/zap"
)

func TestAuthorizations(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPersister()
	a := NewAuthorizations(repo, zap.NewNop())

	k1 := domain.PolicyKey{Principal: alice, StrategyID: 7}
	k2 := domain.PolicyKey{Principal: alice, StrategyID: 3}
	require.NoError(t, a.Grant(ctx, k1))
	require.NoError(t, a.Grant(ctx, k2))
	require.NoError(t, a.Grant(ctx, k1))

	assert.True(t, a.IsAuthorized(k1))
	assert.False(t, a.IsAuthorized(domain.PolicyKey{Principal: bob, StrategyID: 7}))
	assert.Equal(t, []domain.StrategyID{3, 7}, a.List(alice))
	assert.Len(t, repo.grants, 2)
	// The repeated grant wrote nothing.
	assert.Len(t, repo.applied, 2)

	revoked, err := a.Revoke(ctx, k1)
	require.NoError(t, err)
	assert.True(t, revoked)
	revoked, err = a.Revoke(ctx, k1)
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.False(t, a.IsAuthorized(k1))

	fresh := NewAuthorizations(repo, zap.NewNop())
	require.NoError(t, fresh.Load(ctx))
	assert.True(t, fresh.IsAuthorized(k2))
	assert.False(t, fresh.IsAuthorized(k1))
}

func TestAuthorizationsRollback(t *testing.T) {
	ctx := context.Background()
	a := NewAuthorizations(nil, zap.NewNop())
	kept := domain.PolicyKey{Principal: alice, StrategyID: 1}
	require.NoError(t, a.Grant(ctx, kept))

	err := txn.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, a.Grant(ctx, domain.PolicyKey{Principal: alice, StrategyID: 2}))
		_, err := a.Revoke(ctx, kept)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	assert.Equal(t, []domain.StrategyID{1}, a.List(alice))
}

func TestAuthorizationsFailedWriteKeepsMemory(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPersister()
	a := NewAuthorizations(repo, zap.NewNop())
	key := domain.PolicyKey{Principal: alice, StrategyID: 1}
	require.NoError(t, a.Grant(ctx, key))

	down := errors.New("connection reset")
	repo.fail = down

	revoked, err := a.Revoke(ctx, key)
	require.ErrorIs(t, err, down)
	assert.False(t, revoked)
	assert.True(t, a.IsAuthorized(key))
	assert.True(t, repo.grants[key])

	other := domain.PolicyKey{Principal: alice, StrategyID: 2}
	require.ErrorIs(t, a.Grant(ctx, other), down)
	assert.False(t, a.IsAuthorized(other))
}

func TestAuthorizationsReload(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryPersister()
	writer := NewAuthorizations(repo, zap.NewNop())
	mirror := NewAuthorizations(repo, zap.NewNop())
	key := domain.PolicyKey{Principal: alice, StrategyID: 4}

	require.NoError(t, writer.Grant(ctx, key))
	changed, err := mirror.Reload(ctx, key)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, mirror.IsAuthorized(key))

	_, err = writer.Revoke(ctx, key)
	require.NoError(t, err)
	changed, err = mirror.Reload(ctx, key)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, mirror.IsAuthorized(key))

	changed, err = mirror.Reload(ctx, key)
	require.NoError(t, err)
	assert.False(t, changed)
}
