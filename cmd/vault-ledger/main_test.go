package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/store"
	"github.com/Checker-Finance/vault-ledger/internal/vault"
)

const admin = "admin-0x01"

func newStore(t *testing.T) *store.HybridStore {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.NewHybrid(store.RedisConfig{Addr: mr.Addr()}, "", store.PGPoolConfig{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newVault(t *testing.T, st *store.HybridStore) *vault.Vault {
	t.Helper()
	v, err := vault.New(zap.NewNop(), admin, asset.NewMemoryLedger(), st, nil)
	require.NoError(t, err)
	return v
}

func TestRestoreOrBootstrap_EmptyStoreWithoutAssets(t *testing.T) {
	st := newStore(t)
	v := newVault(t, st)

	require.NoError(t, restoreOrBootstrap(context.Background(), zap.NewNop(), v, st, admin, nil))
	assert.False(t, v.IsInitialized())
}

func TestRestoreOrBootstrap_BootstrapsThenRestores(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	kinds := []asset.Kind{{Symbol: "USDC", Decimals: 6}, {Symbol: "WBTC", Decimals: 8}}

	v1 := newVault(t, st)
	require.NoError(t, restoreOrBootstrap(ctx, zap.NewNop(), v1, st, admin, kinds))
	require.True(t, v1.IsInitialized())
	require.Len(t, v1.Assets(), 2)

	// A second start finds the persisted state and does not bootstrap again.
	v2 := newVault(t, st)
	require.NoError(t, restoreOrBootstrap(ctx, zap.NewNop(), v2, st, admin, kinds))
	assert.True(t, v2.IsInitialized())
	assets := v2.Assets()
	require.Len(t, assets, 2)
	assert.Equal(t, "USDC", assets[0].Symbol)
	assert.Equal(t, uint64(1), assets[0].AssetID)
	assert.Equal(t, "WBTC", assets[1].Symbol)
	assert.Equal(t, uint64(2), assets[1].AssetID)
}

func TestRestoreOrBootstrap_DuplicateBootstrapAsset(t *testing.T) {
	st := newStore(t)
	v := newVault(t, st)
	kinds := []asset.Kind{{Symbol: "USDC", Decimals: 6}, {Symbol: "USDC", Decimals: 6}}

	require.NoError(t, restoreOrBootstrap(context.Background(), zap.NewNop(), v, st, admin, kinds))
	assert.Len(t, v.Assets(), 1)
}

func TestRestoreOrBootstrap_InvalidAsset(t *testing.T) {
	st := newStore(t)
	v := newVault(t, st)

	err := restoreOrBootstrap(context.Background(), zap.NewNop(), v, st, admin, []asset.Kind{{Symbol: "bad", Decimals: 6}})
	assert.ErrorIs(t, err, vault.ErrInvalidAsset)
}
