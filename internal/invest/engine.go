// Package invest runs the speculative side of the fund: it samples the
// price of each tracked asset, sizes positions with the Kelly criterion and
// trades them against base borrowed through the cash engine's reservation
// slot. It also turns its own holdings into base when a redemption needs
// more than the cash basket can raise.
package invest

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/exchange"
	"github.com/atmx/fund-engine/internal/kelly"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/metrics"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/ringbuf"
	"github.com/atmx/fund-engine/internal/strategy"
)

// Config tunes the engine.
type Config struct {
	// SampleInterval is the minimum time between two samples of one asset.
	SampleInterval time.Duration
	// DeterminationInterval is the minimum time between two buy or sell
	// determinations of one asset.
	DeterminationInterval time.Duration
	MinSamples            int
	WindowCapacity        int
	// AssumedLoss is the downside used when the sampled history shows a
	// shallower drawdown.
	AssumedLoss percent.Percent
	// MaxFraction caps the Kelly fraction.
	MaxFraction       percent.Percent
	LiquidationBuffer percent.Percent
}

// DefaultConfig returns the weekly cadence.
func DefaultConfig() Config {
	return Config{
		SampleInterval:        7 * 24 * time.Hour,
		DeterminationInterval: 7 * 24 * time.Hour,
		MinSamples:            4,
		WindowCapacity:        8,
		AssumedLoss:           percent.FromWhole(80),
		MaxFraction:           percent.Hundred,
		LiquidationBuffer:     percent.FromWhole(1),
	}
}

// Engine is the investment engine.
type Engine struct {
	ledger   *ledger.Ledger
	oracle   *oracle.Oracle
	router   exchange.Router
	source   oracle.PriceSource
	strategy strategy.Strategy
	cash     *cash.Engine
	cfg      Config
}

// New creates an investment engine that borrows liquidity from c.
func New(l *ledger.Ledger, o *oracle.Oracle, router exchange.Router, source oracle.PriceSource, s strategy.Strategy, c *cash.Engine, cfg Config) *Engine {
	return &Engine{ledger: l, oracle: o, router: router, source: source, strategy: s, cash: c, cfg: cfg}
}

func (e *Engine) base() model.AssetID { return e.oracle.Registry().Base() }

func (e *Engine) record(tx *ledger.Tx, asset model.AssetID) (*model.InvestmentRecord, error) {
	rec, ok := tx.State.Investment.Assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return rec, nil
}

// --- Admin ---

// AssetParams configures one tracked asset. Empty paths default to a direct
// hop between the asset and base.
type AssetParams struct {
	Asset           model.AssetID   `json:"asset"`
	TargetPrice     *uint256.Int    `json:"target_price"`
	Confidence      percent.Percent `json:"confidence"`
	LiquidationPath []model.AssetID `json:"liquidation_path"`
	PurchasePath    []model.AssetID `json:"purchase_path"`
}

// SetInvestmentAsset starts tracking an asset or replaces its parameters.
// Either way the sample window starts over.
func (e *Engine) SetInvestmentAsset(ctx context.Context, capa admin.Capability, p AssetParams) error {
	if err := capa.Check(); err != nil {
		return err
	}
	reg := e.oracle.Registry()
	if _, err := reg.Get(p.Asset); err != nil {
		return err
	}
	if reg.IsBase(p.Asset) {
		return ErrBaseAsset
	}
	if model.Amount(p.TargetPrice).IsZero() {
		return fmt.Errorf("%w: %s", ErrInvalidTargetPrice, p.Asset)
	}
	if p.Confidence > percent.Hundred {
		return fmt.Errorf("%w: %s", kelly.ErrInvalidConfidence, p.Confidence)
	}
	liq := orDirect(p.LiquidationPath, p.Asset, reg.Base())
	buy := orDirect(p.PurchasePath, reg.Base(), p.Asset)
	if err := checkPath(liq, p.Asset, reg.Base()); err != nil {
		return err
	}
	if err := checkPath(buy, reg.Base(), p.Asset); err != nil {
		return err
	}

	return e.ledger.Update(ctx, "invest.set_asset", func(tx *ledger.Tx) error {
		rec, ok := tx.State.Investment.Assets[p.Asset]
		if ok && rec.ReservedForBuy {
			return fmt.Errorf("%w: %s", ErrReservationPending, p.Asset)
		}
		if !ok {
			rec = &model.InvestmentRecord{Asset: p.Asset}
			tx.State.Investment.Assets[p.Asset] = rec
		}
		rec.TargetPrice = p.TargetPrice.Clone()
		rec.Confidence = p.Confidence
		rec.LiquidationPath = liq
		rec.PurchasePath = buy
		rec.Samples = ringbuf.New[model.PriceSample](e.cfg.WindowCapacity)
		rec.LastSampleAt = time.Time{}
		rec.Side = model.SideNone
		rec.Authorized = new(uint256.Int)

		tx.Emit(model.EventInvestmentAssetSet, p.Asset, "", rec.TargetPrice,
			fmt.Sprintf("confidence %s by %s", p.Confidence, capa.Session()))
		return nil
	})
}

// RemoveInvestmentAsset sells whatever is left of the position into the
// cash basket and stops tracking the asset.
func (e *Engine) RemoveInvestmentAsset(ctx context.Context, capa admin.Capability, asset model.AssetID) error {
	if err := capa.Check(); err != nil {
		return err
	}
	return e.ledger.Update(ctx, "invest.remove_asset", func(tx *ledger.Tx) error {
		rec, err := e.record(tx, asset)
		if err != nil {
			return err
		}
		queued := slices.ContainsFunc(tx.State.Investment.LiquidationQueue, func(en model.QueueEntry) bool {
			return en.Asset == asset
		})
		if rec.ReservedForBuy || queued {
			return fmt.Errorf("%w: %s", ErrReservationPending, asset)
		}

		held := model.Amount(tx.State.Investment.Holdings[asset])
		if !held.IsZero() {
			out, err := e.router.Swap(tx.Ctx, rec.LiquidationPath, held)
			if err != nil {
				return fmt.Errorf("liquidate %s: %w", asset, err)
			}
			delete(tx.State.Investment.Holdings, asset)
			if err := model.Credit(tx.State.Cash.Holdings, e.base(), out); err != nil {
				return err
			}
			tx.Emit(model.EventSold, asset, "", held, fmt.Sprintf("removed, received %s", out.Dec()))
		}
		delete(tx.State.Investment.Assets, asset)
		tx.Emit(model.EventInvestmentRemoved, asset, "", nil, "by "+capa.Session())
		return nil
	})
}

// Pause halts sampling, determinations and trades. Liquidations queued for
// a redemption still run.
func (e *Engine) Pause(ctx context.Context, capa admin.Capability) error {
	return e.setPaused(ctx, capa, true)
}

// Unpause resumes normal operation.
func (e *Engine) Unpause(ctx context.Context, capa admin.Capability) error {
	return e.setPaused(ctx, capa, false)
}

func (e *Engine) setPaused(ctx context.Context, capa admin.Capability, paused bool) error {
	if err := capa.Check(); err != nil {
		return err
	}
	return e.ledger.Update(ctx, "invest.pause", func(tx *ledger.Tx) error {
		tx.State.Investment.Paused = paused
		kind := model.EventUnpaused
		if paused {
			kind = model.EventPaused
		}
		tx.Emit(kind, "", "", nil, "investment")
		return nil
	})
}

func orDirect(path []model.AssetID, from, to model.AssetID) []model.AssetID {
	if len(path) == 0 {
		return []model.AssetID{from, to}
	}
	return slices.Clone(path)
}

func checkPath(path []model.AssetID, from, to model.AssetID) error {
	if err := exchange.ValidatePath(path); err != nil {
		return err
	}
	if path[0] != from || path[len(path)-1] != to {
		return fmt.Errorf("%w: %v must run %s -> %s", ErrInvalidPath, path, from, to)
	}
	return nil
}

// --- Sampling and sizing ---

// RecordPriceSample appends the current spot price of asset to its window.
// The first sample of a window is never rate limited.
func (e *Engine) RecordPriceSample(ctx context.Context, asset model.AssetID) (model.PriceSample, error) {
	var sample model.PriceSample
	err := e.ledger.Update(ctx, "invest.record_sample", func(tx *ledger.Tx) error {
		if tx.State.Investment.Paused {
			return ErrPaused
		}
		rec, err := e.record(tx, asset)
		if err != nil {
			return err
		}
		if !rec.LastSampleAt.IsZero() && tx.Now.Sub(rec.LastSampleAt) < e.cfg.SampleInterval {
			return fmt.Errorf("%w: %s sampled at %s", ErrRateLimited, asset, rec.LastSampleAt.Format(time.RFC3339))
		}
		price, err := e.source.SpotPrice(tx.Ctx, asset)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", oracle.ErrSourceFailed, asset, err)
		}
		if rec.Samples == nil {
			rec.Samples = ringbuf.New[model.PriceSample](e.cfg.WindowCapacity)
		}
		sample = model.PriceSample{Price: price, At: tx.Now}
		rec.Samples.PushFront(sample)
		rec.LastSampleAt = tx.Now
		tx.Emit(model.EventSampled, asset, "", price, fmt.Sprintf("%d in window", rec.Samples.Len()))
		return nil
	})
	return sample, err
}

// Determination is the outcome of one buy or sell sizing.
type Determination struct {
	Asset model.AssetID `json:"asset"`
	Side  model.Side    `json:"side"`
	Edge  strategy.Edge `json:"edge"`
	// Fraction is the capped Kelly fraction, the weight the position
	// should have in the whole portfolio.
	Fraction      percent.Percent `json:"fraction"`
	CurrentWeight percent.Percent `json:"current_weight"`
	// Authorized is in base units for a buy and asset units for a sell.
	Authorized *uint256.Int `json:"authorized"`
}

// DetermineBuy sizes a buy. The authorized amount only fills the gap between
// the position's current weight and the Kelly fraction, so repeated
// determinations never compound past it. Zero is a valid outcome.
func (e *Engine) DetermineBuy(ctx context.Context, asset model.AssetID) (Determination, error) {
	return e.determine(ctx, "invest.determine_buy", asset, model.SideBuy)
}

// DetermineSell sizes a sale of whatever part of the position sits above
// the Kelly fraction.
func (e *Engine) DetermineSell(ctx context.Context, asset model.AssetID) (Determination, error) {
	return e.determine(ctx, "invest.determine_sell", asset, model.SideSell)
}

// Determine sizes whichever side the position's current weight calls for:
// a sell when it sits above the Kelly fraction, a buy otherwise.
func (e *Engine) Determine(ctx context.Context, asset model.AssetID) (Determination, error) {
	return e.determine(ctx, "invest.determine", asset, model.SideNone)
}

func (e *Engine) determine(ctx context.Context, op string, asset model.AssetID, side model.Side) (Determination, error) {
	var d Determination
	err := e.ledger.Update(ctx, op, func(tx *ledger.Tx) error {
		if tx.State.Investment.Paused {
			return ErrPaused
		}
		rec, err := e.record(tx, asset)
		if err != nil {
			return err
		}
		if rec.ReservedForBuy {
			return fmt.Errorf("%w: %s", ErrReservationPending, asset)
		}
		if n := sampleCount(rec); n < e.cfg.MinSamples {
			return fmt.Errorf("%w: %s has %d of %d", ErrInsufficientSamples, asset, n, e.cfg.MinSamples)
		}
		if !rec.LastDeterminationAt.IsZero() && tx.Now.Sub(rec.LastDeterminationAt) < e.cfg.DeterminationInterval {
			return fmt.Errorf("%w: %s determined at %s", ErrRateLimited, asset, rec.LastDeterminationAt.Format(time.RFC3339))
		}

		d, err = e.size(tx, rec, side)
		if err != nil {
			return err
		}
		rec.Side = d.Side
		rec.Authorized = d.Authorized.Clone()
		rec.TargetWeight = d.Fraction
		rec.LastDeterminationAt = tx.Now
		tx.Emit(model.EventDetermined, asset, "", d.Authorized,
			fmt.Sprintf("%s: kelly %s, weight %s", d.Side, d.Fraction, d.CurrentWeight))
		return nil
	})
	if err == nil && d.Side != model.SideNone {
		metrics.KellyAuthorizations.WithLabelValues(string(d.Side)).Inc()
	}
	return d, err
}

func sampleCount(rec *model.InvestmentRecord) int {
	if rec.Samples == nil {
		return 0
	}
	return rec.Samples.Len()
}

func samples(rec *model.InvestmentRecord) []model.PriceSample {
	if rec.Samples == nil {
		return nil
	}
	return rec.Samples.Values()
}

// size values the whole portfolio against a fresh snapshot and applies the
// Kelly fraction to it.
func (e *Engine) size(tx *ledger.Tx, rec *model.InvestmentRecord, side model.Side) (Determination, error) {
	d := Determination{Asset: rec.Asset, Side: model.SideNone, Authorized: new(uint256.Int)}

	snap := tx.State.Prices
	if snap.TakenAt.IsZero() {
		return d, fmt.Errorf("%w: prices were never refreshed", oracle.ErrMissingPrice)
	}
	view := e.oracle.At(snap, tx.Now, oracle.Strict)
	total, err := portfolioValue(view, tx.State)
	if err != nil {
		return d, err
	}
	held := model.Amount(tx.State.Investment.Holdings[rec.Asset])
	current, err := view.Value(rec.Asset, held)
	if err != nil {
		return d, err
	}
	if !total.IsZero() {
		if d.CurrentWeight, err = percent.WhatPercentOf(current, total); err != nil {
			return d, err
		}
	}

	d.Edge, err = e.strategy.Edge(strategy.EdgeInput{
		Samples:     samples(rec),
		TargetPrice: rec.TargetPrice,
		AssumedLoss: e.cfg.AssumedLoss,
	})
	if err != nil {
		return d, err
	}
	if d.Edge.Favorable {
		f, err := kelly.Fraction(rec.Confidence, d.Edge.Loss, d.Edge.Gain)
		if err != nil {
			return d, err
		}
		d.Fraction = min(f, e.cfg.MaxFraction)
	}

	if side == model.SideNone {
		side = model.SideBuy
		if d.CurrentWeight > d.Fraction {
			side = model.SideSell
		}
	}
	switch side {
	case model.SideBuy:
		if d.Fraction <= d.CurrentWeight {
			return d, nil
		}
		headroom := d.Fraction - d.CurrentWeight
		amount, err := percent.Of(total, min(d.Fraction, headroom))
		if err != nil {
			return d, err
		}
		d.Authorized = amount

	case model.SideSell:
		if d.CurrentWeight <= d.Fraction {
			return d, nil
		}
		excess, err := percent.Of(total, d.CurrentWeight-d.Fraction)
		if err != nil {
			return d, err
		}
		amount, err := view.AmountFor(rec.Asset, excess)
		if err != nil {
			return d, err
		}
		d.Authorized = percent.Min(amount, held)
	}
	if !d.Authorized.IsZero() {
		d.Side = side
	}
	return d, nil
}

// portfolioValue is the value of everything both engines hold.
func portfolioValue(view oracle.View, s *model.State) (*uint256.Int, error) {
	cashValue, err := view.TotalValue(s.Cash.Holdings)
	if err != nil {
		return nil, err
	}
	investValue, err := view.TotalValue(s.Investment.Holdings)
	if err != nil {
		return nil, err
	}
	return percent.Sum(cashValue, investValue)
}

// Status is a read model of the investment side.
type Status struct {
	Paused           bool                                      `json:"paused"`
	Assets           map[model.AssetID]*model.InvestmentRecord `json:"assets"`
	Holdings         map[model.AssetID]*uint256.Int            `json:"holdings"`
	LiquidationQueue []model.QueueEntry                        `json:"liquidation_queue"`
}

// Status returns a copy of the investment records.
func (e *Engine) Status() (Status, error) {
	s, err := e.ledger.Snapshot()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Paused:           s.Investment.Paused,
		Assets:           s.Investment.Assets,
		Holdings:         s.Investment.Holdings,
		LiquidationQueue: s.Investment.LiquidationQueue,
	}, nil
}
