package identity

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

func TestIsController(t *testing.T) {
	ctx := context.Background()
	owner := common.HexToAddress("0x1000000000000000000000000000000000000001")
	wallet := common.HexToAddress("0x2000000000000000000000000000000000000002")
	stranger := common.HexToAddress("0x3000000000000000000000000000000000000003")

	reg := NewRegistry()
	reg.Register(7, owner)

	ok, err := IsController(ctx, reg, 7, owner)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsController(ctx, reg, 7, wallet)
	require.NoError(t, err)
	assert.False(t, ok, "wallet not registered yet")

	require.NoError(t, reg.SetAgentWallet(7, wallet))
	ok, err = IsController(ctx, reg, 7, wallet)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsController(ctx, reg, 7, stranger)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = IsController(ctx, reg, 99, owner)
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestTransferMovesControl(t *testing.T) {
	ctx := context.Background()
	alice := common.HexToAddress("0xa11ce00000000000000000000000000000000000")
	bob := common.HexToAddress("0xb0b0000000000000000000000000000000000000")

	reg := NewRegistry()
	reg.Register(1, alice)
	require.NoError(t, reg.SetAgentWallet(1, alice))
	require.NoError(t, reg.Transfer(1, bob))

	owner, err := reg.OwnerOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)

	_, ok, err := reg.AgentWallet(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "transfer clears the agent wallet")

	assert.ErrorIs(t, reg.Transfer(2, bob), domain.ErrUnknownStrategy)
}
