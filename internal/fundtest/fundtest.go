// Package fundtest wires a complete fund over the memory store, a manual
// clock and the simulated market for use in tests.
package fundtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/exchange"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/redeem"
	"github.com/atmx/fund-engine/internal/shares"
	"github.com/atmx/fund-engine/internal/store"
	"github.com/atmx/fund-engine/internal/strategy"
)

const (
	USDC model.AssetID = "USDC"
	WETH model.AssetID = "WETH"
	WBTC model.AssetID = "WBTC"

	AdminKey = "test-admin-key"
)

// Start is the manual clock's initial time.
var Start = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

// Options override the defaults of New.
type Options struct {
	Slippage percent.Percent
	Cash     *cash.Config
	Invest   *invest.Config
	Redeem   *redeem.Config
}

// Env is a fully wired fund.
type Env struct {
	Ctx       context.Context
	Clock     *ledger.ManualClock
	Store     *store.MemoryStore
	Ledger    *ledger.Ledger
	Registry  *model.Registry
	Oracle    *oracle.Oracle
	Market    *exchange.Simulated
	Cash      *cash.Engine
	Invest    *invest.Engine
	Pool      *redeem.Coordinator
	Authority *admin.Authority
	Admin     admin.Capability
}

// New builds an Env with USDC as base, WETH at 2000 and WBTC at 40000.
func New(t *testing.T, opts Options) *Env {
	t.Helper()
	ctx := context.Background()

	reg, err := model.NewRegistry(USDC,
		model.Asset{ID: USDC, Decimals: 6},
		model.Asset{ID: WETH, Decimals: 18},
		model.Asset{ID: WBTC, Decimals: 8},
	)
	require.NoError(t, err)

	market := exchange.NewSimulated(reg, opts.Slippage)
	require.NoError(t, market.SetPrice(WETH, USD(2_000)))
	require.NoError(t, market.SetPrice(WBTC, USD(40_000)))

	clock := ledger.NewManualClock(Start)
	st := store.NewMemoryStore()
	l, err := ledger.New(ctx, st, clock)
	require.NoError(t, err)

	o := oracle.New(reg, time.Minute, nil)
	s := strategy.V1{}

	cashCfg := cash.DefaultConfig()
	if opts.Cash != nil {
		cashCfg = *opts.Cash
	}
	investCfg := invest.DefaultConfig()
	if opts.Invest != nil {
		investCfg = *opts.Invest
	}
	redeemCfg := redeem.DefaultConfig()
	if opts.Redeem != nil {
		redeemCfg = *opts.Redeem
	}

	c := cash.New(l, o, market, market, s, cashCfg)
	inv := invest.New(l, o, market, market, s, c, investCfg)
	pool := redeem.New(l, o, c, inv, shares.Book{}, redeemCfg)

	auth := admin.NewAuthority(AdminKey)
	capa, err := auth.Verify(AdminKey)
	require.NoError(t, err)

	return &Env{
		Ctx:       ctx,
		Clock:     clock,
		Store:     st,
		Ledger:    l,
		Registry:  reg,
		Oracle:    o,
		Market:    market,
		Cash:      c,
		Invest:    inv,
		Pool:      pool,
		Authority: auth,
		Admin:     capa,
	}
}

// USD returns n whole USDC in base units.
func USD(n uint64) *uint256.Int { return uint256.NewInt(n * 1_000000) }

// Ether returns n whole units of an 18-decimal asset.
func Ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

// State returns a copy of the committed state.
func (e *Env) State(t *testing.T) *model.State {
	t.Helper()
	s, err := e.Ledger.Snapshot()
	require.NoError(t, err)
	return s
}

// Mutate commits fn as a raw transaction, for arranging fixtures.
func (e *Env) Mutate(t *testing.T, fn func(s *model.State) error) {
	t.Helper()
	require.NoError(t, e.Ledger.Update(e.Ctx, "test.mutate", func(tx *ledger.Tx) error {
		return fn(tx.State)
	}))
}

// Refresh records fresh prices.
func (e *Env) Refresh(t *testing.T) {
	t.Helper()
	_, err := e.Cash.RefreshPrices(e.Ctx)
	require.NoError(t, err)
}

// Rebalance runs one complete cash epoch.
func (e *Env) Rebalance(t *testing.T) {
	t.Helper()
	e.Refresh(t)
	_, err := e.Cash.BuildQueues(e.Ctx)
	require.NoError(t, err)
	e.DrainCash(t)
}

// DrainCash processes both cash queues, liquidations first. Purchases stop
// once free base runs out.
func (e *Env) DrainCash(t *testing.T) {
	t.Helper()
	for len(e.State(t).Cash.LiquidationQueue) > 0 {
		_, err := e.Cash.ProcessLiquidation(e.Ctx)
		require.NoError(t, err)
	}
	for len(e.State(t).Cash.PurchaseQueue) > 0 {
		_, err := e.Cash.ProcessPurchase(e.Ctx)
		if errors.Is(err, cash.ErrInsufficientLiquidity) {
			return
		}
		require.NoError(t, err)
	}
}

// DrainInvest processes the investment liquidation queue.
func (e *Env) DrainInvest(t *testing.T) {
	t.Helper()
	for len(e.State(t).Investment.LiquidationQueue) > 0 {
		_, err := e.Invest.ProcessLiquidation(e.Ctx)
		require.NoError(t, err)
	}
}
