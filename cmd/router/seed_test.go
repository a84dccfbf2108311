package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-router/internal/identity"
	"github.com/xela07ax/spaceai-agent-router/internal/infra"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
)

const (
	aliceHex = "0x00000000000000000000000000000000000a11ce"
	bobHex   = "0x0000000000000000000000000000000000000b0b"
	wethHex  = "0x00000000000000000000000000000000000000e1"
)

func TestSeedVenue(t *testing.T) {
	ctx := context.Background()
	oracle := venue.NewStaticOracle(0, nil)
	ledger := venue.NewLedger(oracle, 0)

	cfg := infra.EngineConfig{
		Prices:   map[string]string{wethHex: "2.5"},
		Balances: []infra.BalanceConfig{{Account: aliceHex, Token: wethHex, Amount: "100"}},
	}
	require.NoError(t, seedVenue(ctx, cfg, oracle, ledger))

	value, err := ledger.PortfolioValue(ctx, common.HexToAddress(aliceHex))
	require.NoError(t, err)
	assert.Equal(t, uint64(250), value.Uint64())

	cfg.Balances[0].Amount = "lots"
	assert.Error(t, seedVenue(ctx, cfg, oracle, ledger))

	assert.Error(t, seedVenue(ctx, infra.EngineConfig{Prices: map[string]string{"weth": "1"}}, oracle, ledger))
	assert.Error(t, seedVenue(ctx, infra.EngineConfig{Prices: map[string]string{wethHex: "0"}}, oracle, ledger))
}

func TestSeedIdentity(t *testing.T) {
	ctx := context.Background()
	reg := identity.NewRegistry()

	require.NoError(t, seedIdentity([]infra.StrategyConfig{{ID: 3, Owner: aliceHex, AgentWallet: bobHex}}, reg))

	owner, err := reg.OwnerOf(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(aliceHex), owner)

	wallet, ok, err := reg.AgentWallet(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, common.HexToAddress(bobHex), wallet)

	assert.Error(t, seedIdentity([]infra.StrategyConfig{{ID: 4, Owner: "alice"}}, reg))
}
