package exchange

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
)

func market(t *testing.T, slippage percent.Percent) *Simulated {
	t.Helper()
	reg, err := model.NewRegistry("USDC",
		model.Asset{ID: "USDC", Decimals: 6},
		model.Asset{ID: "WETH", Decimals: 18},
		model.Asset{ID: "WBTC", Decimals: 8},
	)
	require.NoError(t, err)
	m := NewSimulated(reg, slippage)
	require.NoError(t, m.SetPrice("WETH", uint256.NewInt(2_000_000000)))
	require.NoError(t, m.SetPrice("WBTC", uint256.NewInt(40_000_000000)))
	return m
}

func TestSwap(t *testing.T) {
	m := market(t, 0)
	ctx := context.Background()

	out, err := m.Swap(ctx, []model.AssetID{"USDC", "WETH"}, uint256.NewInt(1_000_000000))
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", out.Dec())

	out, err = m.Swap(ctx, []model.AssetID{"WETH", "USDC", "WBTC"}, uint256.MustFromDecimal("2000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000000), out.Uint64())
}

func TestSwap_Slippage(t *testing.T) {
	m := market(t, percent.FromWhole(1))

	out, err := m.Swap(context.Background(), []model.AssetID{"USDC", "WETH", "USDC"}, uint256.NewInt(1_000_000000))
	require.NoError(t, err)
	// Two hops at 1% each.
	assert.Equal(t, uint64(980_100000), out.Uint64())
}

func TestSwap_Errors(t *testing.T) {
	m := market(t, 0)
	ctx := context.Background()

	_, err := m.Swap(ctx, []model.AssetID{"USDC"}, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrPathInvalid)

	_, err = m.Swap(ctx, []model.AssetID{"USDC", "USDC"}, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrPathInvalid)

	_, err = m.Swap(ctx, []model.AssetID{"USDC", "DOGE"}, uint256.NewInt(1))
	assert.ErrorIs(t, err, model.ErrUnknownAsset)

	_, err = m.Swap(ctx, []model.AssetID{"USDC", "WETH"}, uint256.NewInt(0))
	assert.NoError(t, err)
}

func TestSpotPrice(t *testing.T) {
	m := market(t, 0)
	ctx := context.Background()

	p, err := m.SpotPrice(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000000), p.Uint64())

	reg, _ := model.NewRegistry("USDC", model.Asset{ID: "USDC", Decimals: 6}, model.Asset{ID: "ARB", Decimals: 18})
	_, err = NewSimulated(reg, 0).SpotPrice(ctx, "ARB")
	assert.ErrorIs(t, err, ErrNoLiquidity)
}
