package cash

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
)

// The reservation slot holds at most one Permit. Its CashAmount is a claim
// on the basket's base balance: base arriving from any liquidation settles
// the claim first, and FreeBase excludes it. Only the consumer named by the
// permit's purpose releases it; CancelReservation is the admin escape hatch.

// ReserveForInvestmentBuy opens the slot for the authorized buy of asset.
func (e *Engine) ReserveForInvestmentBuy(ctx context.Context, asset model.AssetID) (*model.Permit, error) {
	var permit *model.Permit
	err := e.ledger.Update(ctx, "cash.reserve_for_investment_buy", func(tx *ledger.Tx) error {
		var err error
		permit, err = e.ReserveForInvestmentBuyTx(tx, asset)
		return err
	})
	return permit, err
}

// ReserveForInvestmentBuyTx is ReserveForInvestmentBuy inside an open transaction.
func (e *Engine) ReserveForInvestmentBuyTx(tx *ledger.Tx, asset model.AssetID) (*model.Permit, error) {
	if tx.State.Cash.Paused {
		return nil, ErrPaused
	}
	if r := tx.State.Cash.Reservation; r != nil {
		return nil, fmt.Errorf("%w: %s for %s", ErrReservationExists, r.ID, r.Purpose)
	}
	rec, ok := tx.State.Investment.Assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if rec.Side != model.SideBuy || model.Amount(rec.Authorized).IsZero() || rec.ReservedForBuy {
		return nil, fmt.Errorf("%w: %s", ErrNoAuthorizedAmount, asset)
	}

	raisable, err := e.raisable(tx)
	if err != nil {
		return nil, err
	}
	amount := percent.Min(rec.Authorized, raisable)
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: nothing in the basket can fund the %s buy", ErrInsufficientLiquidity, asset)
	}
	permit, err := e.open(tx, model.PurposeInvestmentBuy, asset, "", amount)
	if err != nil {
		return nil, err
	}
	// The buy shrinks to what the basket can deliver.
	rec.Authorized = amount.Clone()
	rec.ReservedForBuy = true
	return permit, nil
}

// raisable is the base a reservation can count on: free base plus the
// liquidatable holdings, discounted by the liquidation buffer.
func (e *Engine) raisable(tx *ledger.Tx) (*uint256.Int, error) {
	cs := &tx.State.Cash
	liquidatable := make(map[model.AssetID]*uint256.Int, len(cs.Allocations))
	for _, a := range cs.Allocations {
		held := model.Amount(cs.Holdings[a.Asset])
		if a.Asset != e.base() && len(a.LiquidationPath) > 0 && !held.IsZero() {
			liquidatable[a.Asset] = held
		}
	}
	view := e.oracle.At(tx.State.Prices, tx.Now, oracle.Tolerant)
	value, err := view.TotalValue(liquidatable)
	if err != nil {
		return nil, err
	}
	value, err = percent.Subtract(value, e.cfg.LiquidationBuffer)
	if err != nil {
		return nil, err
	}
	return percent.Sum(FreeBase(tx.State, e.base()), value)
}

// ReserveForRedemptionTx opens the slot for owner and reserves as much of
// amount as the basket is worth. It returns the part cash cannot cover.
func (e *Engine) ReserveForRedemptionTx(tx *ledger.Tx, owner string, amount *uint256.Int) (*model.Permit, *uint256.Int, error) {
	if r := tx.State.Cash.Reservation; r != nil {
		return nil, nil, fmt.Errorf("%w: %s for %s", ErrReservationExists, r.ID, r.Purpose)
	}

	view := e.oracle.At(tx.State.Prices, tx.Now, oracle.Tolerant)
	capacity, err := view.TotalValue(e.valuedHoldings(tx.State, nil))
	if err != nil {
		return nil, nil, err
	}
	covered := percent.Min(model.Amount(amount), capacity)
	shortfall := percent.SatSub(model.Amount(amount), covered)

	permit, err := e.open(tx, model.PurposeRedemption, "", owner, covered)
	if err != nil {
		return nil, nil, err
	}
	return permit, shortfall, nil
}

// open fills the slot, drawing on free base first and queuing pro-rata
// liquidations of the other cash assets for any deficit.
func (e *Engine) open(tx *ledger.Tx, purpose model.Purpose, asset model.AssetID, owner string, amount *uint256.Int) (*model.Permit, error) {
	free := FreeBase(tx.State, e.base())
	permit := &model.Permit{
		ID:               uuid.New().String(),
		Purpose:          purpose,
		Asset:            asset,
		Owner:            owner,
		CashAmount:       amount.Clone(),
		InvestmentAmount: new(uint256.Int),
		OpenedAt:         tx.Now,
	}
	tx.State.Cash.Reservation = permit

	if deficit := percent.SatSub(amount, free); !deficit.IsZero() {
		reason := model.ReasonInvestmentBuy
		if purpose == model.PurposeRedemption {
			reason = model.ReasonRedemption
		}
		if err := e.queueDeficit(tx, deficit, reason); err != nil {
			return nil, err
		}
	}
	tx.Emit(model.EventReserved, asset, owner, amount, fmt.Sprintf("%s permit %s", purpose, permit.ID))
	return permit, nil
}

// queueDeficit spreads deficit, padded by the liquidation buffer, over the
// non-base cash holdings in proportion to their value. The entries go ahead
// of rebalance liquidations, and purchases of the same assets are dropped.
func (e *Engine) queueDeficit(tx *ledger.Tx, deficit *uint256.Int, reason model.Reason) error {
	cs := &tx.State.Cash
	padded, err := percent.Add(deficit, e.cfg.LiquidationBuffer)
	if err != nil {
		return err
	}

	paths := make(map[model.AssetID][]model.AssetID, len(cs.Allocations))
	for _, a := range cs.Allocations {
		paths[a.Asset] = a.LiquidationPath
	}
	var ids []model.AssetID
	for id, amt := range cs.Holdings {
		if id != e.base() && !model.Amount(amt).IsZero() && len(paths[id]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	view := e.oracle.At(tx.State.Prices, tx.Now, oracle.Tolerant)
	values := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		if values[i], err = view.Value(id, cs.Holdings[id]); err != nil {
			return err
		}
	}
	parts, err := e.strategy.Spread(padded, values)
	if err != nil {
		return err
	}

	var entries []model.QueueEntry
	for i, id := range ids {
		if parts[i].IsZero() {
			continue
		}
		amt, err := view.AmountFor(id, parts[i])
		if err != nil {
			return err
		}
		amt = percent.Min(amt, model.Amount(cs.Holdings[id]))
		if amt.IsZero() {
			continue
		}
		entries = append(entries, model.QueueEntry{
			ID:     uuid.New().String(),
			Asset:  id,
			Amount: amt,
			Value:  parts[i],
			Path:   slices.Clone(paths[id]),
			Reason: reason,
		})
		cs.PurchaseQueue = withoutAsset(cs.PurchaseQueue, id)
	}

	split := slices.IndexFunc(cs.LiquidationQueue, func(en model.QueueEntry) bool {
		return en.Reason == model.ReasonRebalance
	})
	if split < 0 {
		split = len(cs.LiquidationQueue)
	}
	cs.LiquidationQueue = slices.Insert(cs.LiquidationQueue, split, entries...)
	return nil
}

// ReleaseReservationTx hands amount of reserved base to the permit holder.
// The slot closes once nothing is reserved on either engine.
func (e *Engine) ReleaseReservationTx(tx *ledger.Tx, permitID string, amount *uint256.Int) error {
	permit, err := e.PermitTx(tx, permitID)
	if err != nil {
		return err
	}
	if amount.Gt(model.Amount(permit.CashAmount)) {
		return fmt.Errorf("%w: releasing %s of %s", ErrAmountMismatch, amount.Dec(), model.Amount(permit.CashAmount).Dec())
	}
	held := model.Amount(tx.State.Cash.Holdings[e.base()])
	if amount.Gt(held) {
		return fmt.Errorf("%w: %s freed of %s", ErrInsufficientReservedLiquidity, held.Dec(), amount.Dec())
	}
	if err := model.Debit(tx.State.Cash.Holdings, e.base(), amount); err != nil {
		return err
	}
	permit.CashAmount = new(uint256.Int).Sub(model.Amount(permit.CashAmount), amount)
	tx.Emit(model.EventReleased, permit.Asset, permit.Owner, amount, "cash, permit "+permit.ID)
	return e.SettleTx(tx)
}

// SettleTx closes the slot once nothing is reserved on either engine.
func (e *Engine) SettleTx(tx *ledger.Tx) error {
	if p := tx.State.Cash.Reservation; p != nil && p.Total().IsZero() {
		return e.clear(tx, p)
	}
	return nil
}

// AvailableReservedTx is the reserved base the basket can pay out right now.
func (e *Engine) AvailableReservedTx(tx *ledger.Tx, permitID string) (*uint256.Int, error) {
	permit, err := e.PermitTx(tx, permitID)
	if err != nil {
		return nil, err
	}
	return percent.Min(model.Amount(permit.CashAmount), model.Amount(tx.State.Cash.Holdings[e.base()])), nil
}

// CloseReservationTx ends the reservation without paying anything further.
// Unused reserved base becomes free again.
func (e *Engine) CloseReservationTx(tx *ledger.Tx, permitID string) error {
	permit, err := e.PermitTx(tx, permitID)
	if err != nil {
		return err
	}
	if err := e.clear(tx, permit); err != nil {
		return err
	}
	tx.Emit(model.EventReleased, permit.Asset, permit.Owner, nil, "closed permit "+permit.ID)
	return nil
}

// CancelReservation clears the slot regardless of its consumer and drops
// the liquidations queued for it.
func (e *Engine) CancelReservation(ctx context.Context, capa admin.Capability) error {
	if err := capa.Check(); err != nil {
		return err
	}
	return e.ledger.Update(ctx, "cash.cancel_reservation", func(tx *ledger.Tx) error {
		permit := tx.State.Cash.Reservation
		if permit == nil {
			return ErrNoReservation
		}
		if err := e.clear(tx, permit); err != nil {
			return err
		}
		tx.Emit(model.EventReservationCanceled, permit.Asset, permit.Owner, permit.Total(),
			fmt.Sprintf("%s permit %s by %s", permit.Purpose, permit.ID, capa.Session()))
		return nil
	})
}

// clear empties the slot. Dry powder the investment engine raised but never
// paid out returns to the basket.
func (e *Engine) clear(tx *ledger.Tx, permit *model.Permit) error {
	s := tx.State
	s.Cash.Reservation = nil
	if left := model.Amount(s.Investment.Holdings[e.base()]); !left.IsZero() {
		delete(s.Investment.Holdings, e.base())
		if err := model.Credit(s.Cash.Holdings, e.base(), left); err != nil {
			return err
		}
	}
	notRebalance := func(en model.QueueEntry) bool { return en.Reason != model.ReasonRebalance }
	s.Cash.LiquidationQueue = slices.DeleteFunc(s.Cash.LiquidationQueue, notRebalance)
	s.Investment.LiquidationQueue = slices.DeleteFunc(s.Investment.LiquidationQueue, notRebalance)
	if permit.Purpose == model.PurposeInvestmentBuy {
		if rec, ok := s.Investment.Assets[permit.Asset]; ok {
			rec.ReservedForBuy = false
		}
	}
	return nil
}

// PermitTx returns the open permit when its id matches.
func (e *Engine) PermitTx(tx *ledger.Tx, permitID string) (*model.Permit, error) {
	permit := tx.State.Cash.Reservation
	if permit == nil {
		return nil, ErrNoReservation
	}
	if permit.ID != permitID {
		return nil, fmt.Errorf("%w: %s", ErrPermitMismatch, permitID)
	}
	return permit, nil
}

// Status is a read model of the basket.
type Status struct {
	Paused           bool                           `json:"paused"`
	Allocations      []model.Allocation             `json:"allocations"`
	Holdings         map[model.AssetID]*uint256.Int `json:"holdings"`
	FreeBase         *uint256.Int                   `json:"free_base"`
	LiquidationQueue []model.QueueEntry             `json:"liquidation_queue"`
	PurchaseQueue    []model.QueueEntry             `json:"purchase_queue"`
	Reservation      *model.Permit                  `json:"reservation,omitempty"`
	Prices           model.PriceSnapshot            `json:"prices"`
}

// Status returns a copy of the basket's records.
func (e *Engine) Status() (Status, error) {
	s, err := e.ledger.Snapshot()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Paused:           s.Cash.Paused,
		Allocations:      s.Cash.Allocations,
		Holdings:         s.Cash.Holdings,
		FreeBase:         FreeBase(s, e.base()),
		LiquidationQueue: s.Cash.LiquidationQueue,
		PurchaseQueue:    s.Cash.PurchaseQueue,
		Reservation:      s.Cash.Reservation,
		Prices:           s.Prices,
	}, nil
}
