package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/model"
)

// skippable reports errors that only mean "not now": a cadence that has not
// elapsed, a paused engine, or an empty queue.
func skippable(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.RateLimited, apperrors.Paused:
		return true
	}
	return errors.Is(err, cash.ErrEmptyQueue) ||
		errors.Is(err, invest.ErrEmptyQueue) ||
		errors.Is(err, invest.ErrInsufficientSamples)
}

// RebalanceJob runs one basket epoch: refresh prices, rebuild the queues
// when the interval has passed, then drain liquidations and purchases.
type RebalanceJob struct {
	Cash *cash.Engine
}

func (RebalanceJob) Name() string { return "rebalance" }

func (j RebalanceJob) Run(ctx context.Context) error {
	// A paused basket still drains liquidations raised for redemptions.
	if _, err := j.Cash.RefreshPrices(ctx); err != nil && !skippable(err) {
		return fmt.Errorf("refresh prices: %w", err)
	}
	diff, err := j.Cash.BuildQueues(ctx)
	switch {
	case err == nil:
		slog.Info("queues built", "liquidations", len(diff.Liquidations), "purchases", len(diff.Purchases))
	case !skippable(err):
		return fmt.Errorf("build queues: %w", err)
	}

	if err := drain(ctx, j.Cash.ProcessLiquidation); err != nil {
		return fmt.Errorf("liquidate: %w", err)
	}
	if err := drain(ctx, j.Cash.ProcessPurchase); err != nil {
		if errors.Is(err, cash.ErrInsufficientLiquidity) {
			// Base is held for a reservation; purchases resume once it closes.
			return nil
		}
		return fmt.Errorf("purchase: %w", err)
	}
	return nil
}

// drain calls step until its queue is empty or it fails.
func drain(ctx context.Context, step func(context.Context) (cash.Fill, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := step(ctx); err != nil {
			if skippable(err) {
				return nil
			}
			return err
		}
	}
}

// InvestmentJob runs the weekly investment cycle for every tracked asset:
// sample, determine, reserve and trade. Buys whose reserved base is still
// being raised are retried on the next run.
type InvestmentJob struct {
	Cash   *cash.Engine
	Invest *invest.Engine
}

func (InvestmentJob) Name() string { return "investment" }

func (j InvestmentJob) Run(ctx context.Context) error {
	st, err := j.Invest.Status()
	if err != nil {
		return err
	}
	ids := make([]model.AssetID, 0, len(st.Assets))
	for id := range st.Assets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	for _, id := range ids {
		if _, err := j.Invest.RecordPriceSample(ctx, id); err != nil && !skippable(err) {
			return fmt.Errorf("sample %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		if _, err := j.Cash.RefreshPrices(ctx); err != nil && !skippable(err) {
			return fmt.Errorf("refresh prices: %w", err)
		}
	}

	var errs []error
	for _, id := range ids {
		if err := j.trade(ctx, id, st.Assets[id]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if err := drain(ctx, j.Invest.ProcessLiquidation); err != nil {
		errs = append(errs, fmt.Errorf("liquidate: %w", err))
	}
	return errors.Join(errs...)
}

func (j InvestmentJob) trade(ctx context.Context, id model.AssetID, rec *model.InvestmentRecord) error {
	side := rec.Side
	if side == model.SideNone || model.Amount(rec.Authorized).IsZero() {
		d, err := j.Invest.Determine(ctx, id)
		if err != nil {
			if skippable(err) {
				return nil
			}
			return err
		}
		side = d.Side
	}

	switch side {
	case model.SideSell:
		if _, err := j.Invest.ProcessSell(ctx, id); err != nil && !skippable(err) {
			return err
		}
	case model.SideBuy:
		if !rec.ReservedForBuy {
			if _, err := j.Cash.ReserveForInvestmentBuy(ctx, id); err != nil {
				if errors.Is(err, cash.ErrReservationExists) || skippable(err) {
					// The authorization stands until the slot frees up.
					return nil
				}
				if errors.Is(err, cash.ErrInsufficientLiquidity) {
					slog.Warn("buy skipped, basket is empty", "asset", id)
					return nil
				}
				return err
			}
		}
		if _, err := j.Invest.ProcessBuy(ctx, id); err != nil {
			if errors.Is(err, invest.ErrInsufficientReservedLiquidity) || skippable(err) {
				return nil
			}
			return err
		}
	}
	return nil
}
