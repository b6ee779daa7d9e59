package strategy

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
)

var now = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func view(t *testing.T) oracle.View {
	t.Helper()
	reg, err := model.NewRegistry("USDC",
		model.Asset{ID: "USDC", Decimals: 6},
		model.Asset{ID: "WETH", Decimals: 18},
		model.Asset{ID: "WBTC", Decimals: 8},
	)
	require.NoError(t, err)
	snap := model.PriceSnapshot{TakenAt: now, Prices: map[model.AssetID]model.PricePoint{
		"WETH": {Price: uint256.NewInt(2_000_000000), At: now},
		"WBTC": {Price: uint256.NewInt(40_000_000000), At: now},
	}}
	return oracle.New(reg, time.Minute, nil).At(snap, now, oracle.Strict)
}

var allocations = []model.Allocation{
	{Asset: "WETH", Target: percent.FromWhole(60), LiquidationPath: []model.AssetID{"WETH", "USDC"}, PurchasePath: []model.AssetID{"USDC", "WETH"}},
	{Asset: "WBTC", Target: percent.FromWhole(40), LiquidationPath: []model.AssetID{"WBTC", "USDC"}, PurchasePath: []model.AssetID{"USDC", "WBTC"}},
}

func TestSelect(t *testing.T) {
	s, err := Select("v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", s.Version())

	_, err = Select("v0")
	assert.ErrorIs(t, err, ErrUnknownVersion)
	assert.Equal(t, []string{"v1"}, Versions())
}

func TestDiff_FromCash(t *testing.T) {
	res, err := V1{}.Diff(DiffInput{
		View:        view(t),
		Base:        "USDC",
		Holdings:    map[model.AssetID]*uint256.Int{"USDC": uint256.NewInt(1_000_000000)},
		Allocations: allocations,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Liquidations)
	require.Len(t, res.Purchases, 2)
	assert.Equal(t, model.AssetID("WETH"), res.Purchases[0].Asset)
	assert.Equal(t, uint64(600_000000), res.Purchases[0].Amount.Uint64())
	assert.Equal(t, []model.AssetID{"USDC", "WETH"}, res.Purchases[0].Path)
	assert.Equal(t, uint64(400_000000), res.Purchases[1].Amount.Uint64())
	assert.NotEqual(t, res.Purchases[0].ID, res.Purchases[1].ID)
}

func TestDiff_Overweight(t *testing.T) {
	holdings := map[model.AssetID]*uint256.Int{
		"WETH": uint256.MustFromDecimal("400000000000000000"), // 800 USDC
		"WBTC": uint256.NewInt(500000),                        // 200 USDC
	}
	half := []model.Allocation{
		{Asset: "WETH", Target: percent.FromWhole(50), LiquidationPath: []model.AssetID{"WETH", "USDC"}},
		{Asset: "WBTC", Target: percent.FromWhole(50), PurchasePath: []model.AssetID{"USDC", "WBTC"}},
	}

	res, err := V1{}.Diff(DiffInput{View: view(t), Base: "USDC", Holdings: holdings, Allocations: half})
	require.NoError(t, err)

	require.Len(t, res.Liquidations, 1)
	assert.Equal(t, "150000000000000000", res.Liquidations[0].Amount.Dec())
	assert.Equal(t, uint64(300_000000), res.Liquidations[0].Value.Uint64())
	require.Len(t, res.Purchases, 1)
	assert.Equal(t, uint64(300_000000), res.Purchases[0].Amount.Uint64())
}

func TestDiff_DustThreshold(t *testing.T) {
	holdings := map[model.AssetID]*uint256.Int{
		"WETH": uint256.MustFromDecimal("400000000000000000"),
		"WBTC": uint256.NewInt(500000),
	}
	half := []model.Allocation{
		{Asset: "WETH", Target: percent.FromWhole(50)},
		{Asset: "WBTC", Target: percent.FromWhole(50)},
	}

	res, err := V1{}.Diff(DiffInput{View: view(t), Base: "USDC", Holdings: holdings, Allocations: half, Dust: uint256.NewInt(300_000000)})
	require.NoError(t, err)
	assert.Empty(t, res.Liquidations, "a difference equal to the threshold is dust")
	assert.Empty(t, res.Purchases)
}

func TestDiff_Empty(t *testing.T) {
	res, err := V1{}.Diff(DiffInput{View: view(t), Base: "USDC", Holdings: map[model.AssetID]*uint256.Int{}, Allocations: allocations})
	require.NoError(t, err)
	assert.Empty(t, res.Purchases)
}

func samples(prices ...uint64) []model.PriceSample {
	out := make([]model.PriceSample, len(prices))
	for i, p := range prices {
		out[i] = model.PriceSample{Price: uint256.NewInt(p), At: now.Add(-time.Duration(i) * 7 * 24 * time.Hour)}
	}
	return out
}

func TestEdge(t *testing.T) {
	// Oldest to newest: 100, 120, 90, 100. Worst fall is 120 -> 90.
	e, err := V1{}.Edge(EdgeInput{Samples: samples(100, 90, 120, 100), TargetPrice: uint256.NewInt(150), AssumedLoss: percent.FromWhole(20)})
	require.NoError(t, err)
	assert.True(t, e.Favorable)
	assert.Equal(t, uint64(100), e.Reference.Uint64())
	assert.Equal(t, percent.FromWhole(50), e.Gain)
	assert.Equal(t, percent.FromWhole(25), e.Loss)

	e, err = V1{}.Edge(EdgeInput{Samples: samples(100, 100), TargetPrice: uint256.NewInt(150), AssumedLoss: percent.FromWhole(80)})
	require.NoError(t, err)
	assert.Equal(t, percent.FromWhole(80), e.Loss)
}

func TestEdge_NoUpside(t *testing.T) {
	e, err := V1{}.Edge(EdgeInput{Samples: samples(100), TargetPrice: uint256.NewInt(100), AssumedLoss: percent.FromWhole(80)})
	require.NoError(t, err)
	assert.False(t, e.Favorable)

	_, err = V1{}.Edge(EdgeInput{TargetPrice: uint256.NewInt(100)})
	assert.ErrorIs(t, err, ErrNoSamples)
}

func amounts(vals ...uint64) []*uint256.Int {
	out := make([]*uint256.Int, len(vals))
	for i, v := range vals {
		out[i] = uint256.NewInt(v)
	}
	return out
}

func TestSpread(t *testing.T) {
	tests := []struct {
		name    string
		amount  uint64
		buckets []*uint256.Int
		want    []uint64
	}{
		{"exact", 100, amounts(30, 70), []uint64{30, 70}},
		{"proportional", 50, amounts(30, 70), []uint64{15, 35}},
		{"remainder goes first", 5, amounts(3, 3, 3), []uint64{3, 1, 1}},
		{"capped at holdings", 1000, amounts(1, 2), []uint64{1, 2}},
		{"nothing to spread", 0, amounts(1, 2), []uint64{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := V1{}.Spread(uint256.NewInt(tt.amount), tt.buckets)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.Equal(t, tt.want[i], got[i].Uint64(), "bucket %d", i)
			}
		})
	}
}
