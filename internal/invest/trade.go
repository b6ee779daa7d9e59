package invest

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
)

// ProcessBuy spends the base reserved for asset's authorized buy. The cash
// engine must have freed the whole amount; the permit is consumed and the
// authorization cleared.
func (e *Engine) ProcessBuy(ctx context.Context, asset model.AssetID) (cash.Fill, error) {
	var fill cash.Fill
	err := e.ledger.Update(ctx, "invest.process_buy", func(tx *ledger.Tx) error {
		if tx.State.Investment.Paused {
			return ErrPaused
		}
		rec, err := e.record(tx, asset)
		if err != nil {
			return err
		}
		amount := model.Amount(rec.Authorized)
		if rec.Side != model.SideBuy || amount.IsZero() {
			return fmt.Errorf("%w: buy %s", ErrNoAuthorizedAmount, asset)
		}
		permit := tx.State.Cash.Reservation
		if permit == nil || permit.Purpose != model.PurposeInvestmentBuy || permit.Asset != asset {
			return fmt.Errorf("%w: no reservation for %s", ErrInsufficientReservedLiquidity, asset)
		}
		avail, err := e.cash.AvailableReservedTx(tx, permit.ID)
		if err != nil {
			return err
		}
		if avail.Lt(amount) {
			return fmt.Errorf("%w: %s of %s freed", ErrInsufficientReservedLiquidity, avail.Dec(), amount.Dec())
		}
		if err := e.cash.ReleaseReservationTx(tx, permit.ID, amount); err != nil {
			return err
		}

		out, err := e.router.Swap(tx.Ctx, rec.PurchasePath, amount)
		if err != nil {
			return fmt.Errorf("buy %s: %w", asset, err)
		}
		if err := model.Credit(tx.State.Investment.Holdings, asset, out); err != nil {
			return err
		}
		rec.Side = model.SideNone
		rec.Authorized = new(uint256.Int)
		rec.ReservedForBuy = false

		fill = cash.Fill{
			Entry:     model.QueueEntry{Asset: asset, Amount: amount.Clone(), Value: amount.Clone(), Path: rec.PurchasePath, Reason: model.ReasonInvestmentBuy},
			AmountIn:  amount.Clone(),
			AmountOut: out,
		}
		tx.Emit(model.EventBought, asset, "", out, fmt.Sprintf("spent %s base", amount.Dec()))
		return nil
	})
	return fill, err
}

// ProcessSell sells the authorized amount of asset. Proceeds go to the cash
// basket's base balance.
func (e *Engine) ProcessSell(ctx context.Context, asset model.AssetID) (cash.Fill, error) {
	var fill cash.Fill
	err := e.ledger.Update(ctx, "invest.process_sell", func(tx *ledger.Tx) error {
		if tx.State.Investment.Paused {
			return ErrPaused
		}
		rec, err := e.record(tx, asset)
		if err != nil {
			return err
		}
		amount := percent.Min(model.Amount(rec.Authorized), model.Amount(tx.State.Investment.Holdings[asset]))
		if rec.Side != model.SideSell || amount.IsZero() {
			return fmt.Errorf("%w: sell %s", ErrNoAuthorizedAmount, asset)
		}

		out, err := e.router.Swap(tx.Ctx, rec.LiquidationPath, amount)
		if err != nil {
			return fmt.Errorf("sell %s: %w", asset, err)
		}
		if err := model.Debit(tx.State.Investment.Holdings, asset, amount); err != nil {
			return err
		}
		if err := model.Credit(tx.State.Cash.Holdings, e.base(), out); err != nil {
			return err
		}
		rec.Side = model.SideNone
		rec.Authorized = new(uint256.Int)

		fill = cash.Fill{
			Entry:     model.QueueEntry{Asset: asset, Amount: amount.Clone(), Path: rec.LiquidationPath},
			AmountIn:  amount,
			AmountOut: out,
		}
		tx.Emit(model.EventSold, asset, "", amount, fmt.Sprintf("received %s", out.Dec()))
		return nil
	})
	return fill, err
}

// --- Dry powder for redemptions ---

// PrepareDryPowderForRedemptionTx earmarks up to amount of the investment
// holdings' value on the open redemption permit and queues the liquidations
// that raise it. It returns the part it could cover.
func (e *Engine) PrepareDryPowderForRedemptionTx(tx *ledger.Tx, permitID string, amount *uint256.Int) (*uint256.Int, error) {
	permit, err := e.cash.PermitTx(tx, permitID)
	if err != nil {
		return nil, err
	}
	if permit.Purpose != model.PurposeRedemption {
		return nil, fmt.Errorf("%w: %s", ErrWrongPurpose, permit.Purpose)
	}
	is := &tx.State.Investment

	view := e.oracle.At(tx.State.Prices, tx.Now, oracle.Tolerant)
	worth, err := view.TotalValue(is.Holdings)
	if err != nil {
		return nil, err
	}
	earmarked := model.Amount(permit.InvestmentAmount)
	covered := percent.Min(model.Amount(amount), percent.SatSub(worth, earmarked))
	if covered.IsZero() {
		return covered, nil
	}

	free := percent.SatSub(model.Amount(is.Holdings[e.base()]), earmarked)
	if permit.InvestmentAmount, err = percent.Sum(earmarked, covered); err != nil {
		return nil, err
	}
	if deficit := percent.SatSub(covered, free); !deficit.IsZero() {
		if err := e.queueDeficit(tx, view, deficit); err != nil {
			return nil, err
		}
	}
	tx.Emit(model.EventReserved, "", permit.Owner, covered, "investment, permit "+permit.ID)
	return covered, nil
}

// queueDeficit spreads deficit, padded by the liquidation buffer, over the
// investment positions in proportion to their value.
func (e *Engine) queueDeficit(tx *ledger.Tx, view oracle.View, deficit *uint256.Int) error {
	is := &tx.State.Investment
	padded, err := percent.Add(deficit, e.cfg.LiquidationBuffer)
	if err != nil {
		return err
	}

	var ids []model.AssetID
	for id, amt := range is.Holdings {
		if _, tracked := is.Assets[id]; tracked && !model.Amount(amt).IsZero() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	values := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		if values[i], err = view.Value(id, is.Holdings[id]); err != nil {
			return err
		}
	}
	parts, err := e.strategy.Spread(padded, values)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if parts[i].IsZero() {
			continue
		}
		amt, err := view.AmountFor(id, parts[i])
		if err != nil {
			return err
		}
		amt = percent.Min(amt, model.Amount(is.Holdings[id]))
		if amt.IsZero() {
			continue
		}
		is.LiquidationQueue = append(is.LiquidationQueue, model.QueueEntry{
			ID:     uuid.New().String(),
			Asset:  id,
			Amount: amt,
			Value:  parts[i],
			Path:   slices.Clone(is.Assets[id].LiquidationPath),
			Reason: model.ReasonRedemption,
		})
	}
	return nil
}

// ProcessLiquidation sells the oldest queued investment liquidation into
// base held by the investment engine for the open permit.
func (e *Engine) ProcessLiquidation(ctx context.Context) (cash.Fill, error) {
	var fill cash.Fill
	err := e.ledger.Update(ctx, "invest.process_liquidation", func(tx *ledger.Tx) error {
		is := &tx.State.Investment
		if len(is.LiquidationQueue) == 0 {
			return ErrEmptyQueue
		}
		head := is.LiquidationQueue[0]
		if is.Paused && head.Reason != model.ReasonRedemption {
			return ErrPaused
		}
		is.LiquidationQueue = is.LiquidationQueue[1:]

		amountIn := percent.Min(model.Amount(head.Amount), model.Amount(is.Holdings[head.Asset]))
		out := new(uint256.Int)
		if !amountIn.IsZero() {
			var err error
			out, err = e.router.Swap(tx.Ctx, head.Path, amountIn)
			if err != nil {
				return fmt.Errorf("liquidate %s: %w", head.Asset, err)
			}
			if err := model.Debit(is.Holdings, head.Asset, amountIn); err != nil {
				return err
			}
			if err := model.Credit(is.Holdings, e.base(), out); err != nil {
				return err
			}
		}
		fill = cash.Fill{Entry: head, AmountIn: amountIn, AmountOut: out}
		tx.Emit(model.EventLiquidated, head.Asset, "", amountIn, fmt.Sprintf("investment %s, received %s", head.Reason, out.Dec()))
		return nil
	})
	return fill, err
}

// AvailableReservedTx is the earmarked base the investment side can pay out
// right now.
func (e *Engine) AvailableReservedTx(tx *ledger.Tx, permitID string) (*uint256.Int, error) {
	permit, err := e.cash.PermitTx(tx, permitID)
	if err != nil {
		return nil, err
	}
	held := model.Amount(tx.State.Investment.Holdings[e.base()])
	return percent.Min(model.Amount(permit.InvestmentAmount), held), nil
}

// ReleaseTx pays amount of earmarked base out of the investment side. The
// slot closes once nothing is reserved on either engine.
func (e *Engine) ReleaseTx(tx *ledger.Tx, permitID string, amount *uint256.Int) error {
	permit, err := e.cash.PermitTx(tx, permitID)
	if err != nil {
		return err
	}
	earmarked := model.Amount(permit.InvestmentAmount)
	if amount.Gt(earmarked) {
		return fmt.Errorf("%w: releasing %s of %s", ErrAmountMismatch, amount.Dec(), earmarked.Dec())
	}
	if err := model.Debit(tx.State.Investment.Holdings, e.base(), amount); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientReservedLiquidity, err)
	}
	permit.InvestmentAmount = new(uint256.Int).Sub(earmarked, amount)
	tx.Emit(model.EventReleased, permit.Asset, permit.Owner, amount, "investment, permit "+permit.ID)
	return e.cash.SettleTx(tx)
}
