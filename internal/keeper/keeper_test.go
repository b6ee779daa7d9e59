package keeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/fundtest"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/keeper"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
)

const week = 7 * 24 * time.Hour

func fund(t *testing.T, e *fundtest.Env, usd uint64) {
	t.Helper()
	e.Mutate(t, func(s *model.State) error {
		return model.Credit(s.Cash.Holdings, fundtest.USDC, fundtest.USD(usd))
	})
}

func TestRebalanceJob(t *testing.T) {
	e := fundtest.New(t, fundtest.Options{})
	fund(t, e, 10_000)
	require.NoError(t, e.Cash.SetAllocations(e.Ctx, e.Admin,
		[]model.AssetID{fundtest.WETH, fundtest.WBTC},
		[]percent.Percent{percent.FromWhole(60), percent.FromWhole(40)}, nil))

	job := keeper.RebalanceJob{Cash: e.Cash}
	require.NoError(t, job.Run(e.Ctx))

	s := e.State(t)
	assert.Equal(t, fundtest.Ether(3), s.Cash.Holdings[fundtest.WETH])
	assert.Equal(t, uint64(10_000000), s.Cash.Holdings[fundtest.WBTC].Uint64())
	assert.Empty(t, s.Cash.LiquidationQueue)
	assert.Empty(t, s.Cash.PurchaseQueue)

	// Within the interval the build is skipped, not failed.
	e.Clock.Advance(time.Hour)
	assert.NoError(t, job.Run(e.Ctx))

	require.NoError(t, e.Cash.Pause(e.Ctx, e.Admin))
	assert.NoError(t, job.Run(e.Ctx), "a paused basket is skipped")
}

func TestInvestmentJob_BuysAfterEnoughSamples(t *testing.T) {
	cfg := invest.DefaultConfig()
	cfg.AssumedLoss = percent.FromWhole(20)
	cfg.MaxFraction = percent.FromWhole(50)
	e := fundtest.New(t, fundtest.Options{Invest: &cfg})
	fund(t, e, 10_000)
	require.NoError(t, e.Invest.SetInvestmentAsset(e.Ctx, e.Admin, invest.AssetParams{
		Asset:       fundtest.WETH,
		TargetPrice: fundtest.USD(2_400),
		Confidence:  percent.FromWhole(60),
	}))

	job := keeper.InvestmentJob{Cash: e.Cash, Invest: e.Invest}
	for i := 0; i < 3; i++ {
		require.NoError(t, job.Run(e.Ctx), "run %d", i)
		e.Clock.Advance(week)
	}
	assert.Empty(t, e.State(t).Investment.Holdings, "too few samples to trade")

	require.NoError(t, job.Run(e.Ctx))
	s := e.State(t)
	assert.Equal(t, "2500000000000000000", s.Investment.Holdings[fundtest.WETH].Dec())
	assert.Equal(t, fundtest.USD(5_000), s.Cash.Holdings[fundtest.USDC])
	assert.Nil(t, s.Cash.Reservation)

	// Same week: nothing new is determined.
	assert.NoError(t, job.Run(e.Ctx))
	assert.Equal(t, "2500000000000000000", e.State(t).Investment.Holdings[fundtest.WETH].Dec())
}

type countingJob struct {
	runs int
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	j.runs++
	return j.err
}

func TestScheduler(t *testing.T) {
	s := keeper.New(context.Background())
	job := &countingJob{}

	assert.Error(t, s.AddJob("not a schedule", job))
	require.NoError(t, s.AddJob("@every 1h", job))

	assert.NoError(t, s.RunNow(job))
	job.err = errors.New("boom")
	assert.EqualError(t, s.RunNow(job), "boom")
	assert.Equal(t, 2, job.runs)

	s.Start()
	s.Stop()
}
