package redeem_test

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/fundtest"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/redeem"
)

const day = 24 * time.Hour

func deposit(t *testing.T, e *fundtest.Env, user string, amount *uint256.Int) *uint256.Int {
	t.Helper()
	minted, err := e.Pool.Deposit(e.Ctx, user, amount)
	require.NoError(t, err)
	return minted
}

func TestDeposit_MintsAtNAV(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})

	assert.Equal(t, fundtest.USD(1_000), deposit(t, e, "alice", fundtest.USD(1_000)), "first deposit mints one share per base unit")

	// The pool doubles in value.
	e.Mutate(t, func(s *model.State) error {
		return model.Credit(s.Investment.Holdings, fundtest.WETH, new(uint256.Int).Div(fundtest.Ether(1), uint256.NewInt(2)))
	})
	e.Refresh(t)
	nav, err := e.Pool.NAV()
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(2_000), nav)

	assert.Equal(t, fundtest.USD(500), deposit(t, e, "bob", fundtest.USD(1_000)))
	assert.Equal(t, fundtest.USD(1_500), e.Pool.CirculatingSupply())
	assert.Equal(t, fundtest.USD(500), e.Pool.BalanceOf("bob"))
	assert.Equal(t, fundtest.USD(2_000), e.State(t).Cash.Holdings[fundtest.USDC])
}

func TestDeposit_Validation(t *testing.T) {
	cfg := redeem.DefaultConfig()
	cfg.DepositCap = fundtest.USD(1_500)
	e := fundtest.New(t, fundtest.Options{Redeem: &cfg})

	_, err := e.Pool.Deposit(e.Ctx, "", fundtest.USD(1))
	assert.ErrorIs(t, err, redeem.ErrInvalidUser)
	_, err = e.Pool.Deposit(e.Ctx, "alice", new(uint256.Int))
	assert.ErrorIs(t, err, redeem.ErrZeroAmount)
	_, err = e.Pool.Deposit(e.Ctx, "alice", nil)
	assert.ErrorIs(t, err, redeem.ErrZeroAmount)

	deposit(t, e, "alice", fundtest.USD(1_000))
	_, err = e.Pool.Deposit(e.Ctx, "bob", fundtest.USD(600))
	assert.ErrorIs(t, err, redeem.ErrDepositCapReached)
	deposit(t, e, "bob", fundtest.USD(500))

	require.NoError(t, e.Pool.Pause(e.Ctx, e.Admin))
	_, err = e.Pool.Deposit(e.Ctx, "carol", fundtest.USD(1))
	assert.ErrorIs(t, err, redeem.ErrPaused)
	assert.Equal(t, apperrors.Paused, apperrors.KindOf(err))
}

func TestRequestRedeem_TimeLockAndBalance(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	deposit(t, e, "alice", fundtest.USD(1_000))

	_, err := e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(100))
	assert.ErrorIs(t, err, redeem.ErrTimeLockActive)
	assert.Equal(t, apperrors.RateLimited, apperrors.KindOf(err))

	e.Clock.Advance(day)
	req, err := e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(400))
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(400), req.Requested)

	req, err = e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(600))
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(1_000), req.Requested, "requests merge")

	_, err = e.Pool.RequestRedeem(e.Ctx, "alice", uint256.NewInt(1))
	assert.ErrorIs(t, err, redeem.ErrInsufficientBalance)
	_, err = e.Pool.RequestRedeem(e.Ctx, "mallory", fundtest.USD(1))
	assert.ErrorIs(t, err, redeem.ErrInsufficientBalance)

	// A fresh deposit restarts the lock.
	deposit(t, e, "alice", fundtest.USD(1))
	_, err = e.Pool.RequestRedeem(e.Ctx, "alice", uint256.NewInt(1))
	assert.ErrorIs(t, err, redeem.ErrTimeLockActive)
}

func TestRedeem_FromFreeCash(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	deposit(t, e, "alice", fundtest.USD(1_000))
	e.Clock.Advance(day)

	_, err := e.Pool.Redeem(e.Ctx, "alice")
	assert.ErrorIs(t, err, redeem.ErrNoRequest)

	_, err = e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(400))
	require.NoError(t, err)
	_, err = e.Pool.Redeem(e.Ctx, "alice")
	assert.ErrorIs(t, err, redeem.ErrNotAuthorized)

	auth, err := e.Pool.PrepareDryPowder(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(400), auth.Shares)
	assert.Equal(t, fundtest.USD(400), auth.Value)
	assert.Equal(t, fundtest.USD(400), auth.FromCash)
	assert.True(t, auth.FromInvest.IsZero())

	_, err = e.Pool.PrepareDryPowder(e.Ctx, "alice")
	assert.ErrorIs(t, err, redeem.ErrAlreadyAuthorized)

	shares, value, err := e.Pool.Authorized("alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(400), shares)
	assert.Equal(t, fundtest.USD(400), value)

	st, err := e.Pool.Redeem(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(400), st.Shares)
	assert.Equal(t, fundtest.USD(400), st.Value)
	assert.True(t, st.Remaining.IsZero())

	assert.Equal(t, fundtest.USD(600), e.Pool.BalanceOf("alice"))
	assert.Equal(t, fundtest.USD(400), e.Pool.Payout("alice"))
	s := e.State(t)
	assert.Nil(t, s.Cash.Reservation)
	assert.Empty(t, s.Pool.Requests)
	assert.Equal(t, fundtest.USD(600), s.Cash.Holdings[fundtest.USDC])

	_, err = e.Pool.Redeem(e.Ctx, "alice")
	assert.ErrorIs(t, err, redeem.ErrNoRequest)
}

func TestRedeem_LiquidatesTheBasket(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	deposit(t, e, "alice", fundtest.USD(10_000))
	require.NoError(t, e.Cash.SetAllocations(e.Ctx, e.Admin,
		[]model.AssetID{fundtest.WETH, fundtest.WBTC},
		[]percent.Percent{percent.FromWhole(60), percent.FromWhole(40)}, nil))
	e.Rebalance(t)
	e.Clock.Advance(day)

	_, err := e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(1_000))
	require.NoError(t, err)
	auth, err := e.Pool.PrepareDryPowder(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(1_000), auth.FromCash)
	assert.Len(t, e.State(t).Cash.LiquidationQueue, 2)

	_, err = e.Pool.Redeem(e.Ctx, "alice")
	assert.ErrorIs(t, err, redeem.ErrLiquidityPending)

	e.DrainCash(t)
	st, err := e.Pool.Redeem(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(1_000), st.Value)

	s := e.State(t)
	assert.Nil(t, s.Cash.Reservation)
	assert.Equal(t, fundtest.USD(10), s.Cash.Holdings[fundtest.USDC], "buffer stays in the basket")
	nav, err := e.Pool.NAV()
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(9_000), nav)
}

// TestRedeem_PartialThenComplete draws a request from both engines. Cash
// pays at once; the investment part settles after its liquidation.
func TestRedeem_PartialThenComplete(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	deposit(t, e, "alice", fundtest.USD(1_000))
	require.NoError(t, e.Invest.SetInvestmentAsset(e.Ctx, e.Admin, invest.AssetParams{
		Asset:       fundtest.WETH,
		TargetPrice: fundtest.USD(2_400),
		Confidence:  percent.FromWhole(60),
	}))
	// Move 800 of base into an investment position worth the same.
	e.Mutate(t, func(s *model.State) error {
		if err := model.Debit(s.Cash.Holdings, fundtest.USDC, fundtest.USD(800)); err != nil {
			return err
		}
		return model.Credit(s.Investment.Holdings, fundtest.WETH, new(uint256.Int).Div(fundtest.Ether(4), uint256.NewInt(10)))
	})
	e.Refresh(t)
	e.Clock.Advance(day)

	_, err := e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(1_000))
	require.NoError(t, err)
	auth, err := e.Pool.PrepareDryPowder(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(1_000), auth.Shares)
	assert.Equal(t, fundtest.USD(200), auth.FromCash)
	assert.Equal(t, fundtest.USD(800), auth.FromInvest)

	require.NoError(t, e.Pool.Pause(e.Ctx, e.Admin))

	st, err := e.Pool.Redeem(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(200), st.Shares)
	assert.Equal(t, fundtest.USD(200), st.Value)
	assert.Equal(t, fundtest.USD(800), st.Remaining)

	_, err = e.Pool.Redeem(e.Ctx, "alice")
	assert.ErrorIs(t, err, redeem.ErrLiquidityPending, "nothing more freed yet")
	assert.NotNil(t, e.State(t).Cash.Reservation)

	e.DrainInvest(t)
	st, err = e.Pool.Redeem(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(800), st.Shares)
	assert.True(t, st.Remaining.IsZero())

	assert.Equal(t, fundtest.USD(1_000), e.Pool.Payout("alice"))
	assert.True(t, e.Pool.CirculatingSupply().IsZero())
	s := e.State(t)
	assert.Nil(t, s.Cash.Reservation)
	assert.Empty(t, s.Investment.Holdings)
	assert.Empty(t, s.Cash.Holdings)
}

func TestPrepareDryPowder_AfterCancel(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	deposit(t, e, "alice", fundtest.USD(1_000))
	e.Clock.Advance(day)
	_, err := e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(500))
	require.NoError(t, err)
	_, err = e.Pool.PrepareDryPowder(e.Ctx, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, e.Cash.CancelReservation(e.Ctx, admin.Capability{}), admin.ErrNotAuthorized)
	require.NoError(t, e.Cash.CancelReservation(e.Ctx, e.Admin))

	_, err = e.Pool.Redeem(e.Ctx, "alice")
	assert.ErrorIs(t, err, redeem.ErrNotAuthorized)

	auth, err := e.Pool.PrepareDryPowder(e.Ctx, "alice")
	require.NoError(t, err, "a canceled authorization is prepared again")
	assert.Equal(t, fundtest.USD(500), auth.Shares)
}

func TestPrepareDryPowder_OneSlot(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	deposit(t, e, "alice", fundtest.USD(1_000))
	deposit(t, e, "bob", fundtest.USD(1_000))
	e.Clock.Advance(day)
	for _, u := range []string{"alice", "bob"} {
		_, err := e.Pool.RequestRedeem(e.Ctx, u, fundtest.USD(100))
		require.NoError(t, err)
	}
	_, err := e.Pool.PrepareDryPowder(e.Ctx, "alice")
	require.NoError(t, err)
	_, err = e.Pool.PrepareDryPowder(e.Ctx, "bob")
	assert.Equal(t, apperrors.StateConflict, apperrors.KindOf(err))

	_, err = e.Pool.Redeem(e.Ctx, "alice")
	require.NoError(t, err)
	_, err = e.Pool.PrepareDryPowder(e.Ctx, "bob")
	assert.NoError(t, err)
}

func TestRedeem_WhilePaused(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	deposit(t, e, "alice", fundtest.USD(1_000))
	e.Clock.Advance(day)
	require.NoError(t, e.Pool.Pause(e.Ctx, e.Admin))

	_, err := e.Pool.RequestRedeem(e.Ctx, "alice", fundtest.USD(300))
	require.NoError(t, err, "holders can still leave a paused pool")
	auth, err := e.Pool.PrepareDryPowder(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(300), auth.Shares)

	st, err := e.Pool.Redeem(e.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fundtest.USD(300), st.Value)
	assert.Equal(t, fundtest.USD(700), e.Pool.BalanceOf("alice"))

	_, err = e.Pool.Deposit(e.Ctx, "alice", fundtest.USD(1))
	assert.ErrorIs(t, err, redeem.ErrPaused)
}
