// Package oracle converts holdings into base-unit values.
//
// An Oracle never mutates engine state. Reads come in two modes: Strict reads
// back decisions (queue diffing, Kelly sizing) and reject any price older
// than the freshness window; Tolerant reads back NAV and display and accept
// whatever price was last recorded.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
)

var (
	// ErrStalePrice is returned by Strict reads of a price older than the
	// freshness window.
	ErrStalePrice = apperrors.New(apperrors.Oracle, "oracle: stale price")

	// ErrMissingPrice is returned when the snapshot has no price for an asset.
	ErrMissingPrice = apperrors.New(apperrors.Oracle, "oracle: missing price")

	// ErrSourceFailed wraps a price source failure.
	ErrSourceFailed = apperrors.New(apperrors.Upstream, "oracle: price source failed")
)

// PriceSource quotes the base-unit value of one whole asset.
type PriceSource interface {
	SpotPrice(ctx context.Context, asset model.AssetID) (*uint256.Int, error)
}

// Mode selects how a read treats stale prices.
type Mode int

const (
	Strict Mode = iota
	Tolerant
)

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "tolerant"
}

// Oracle values holdings against a PriceSnapshot.
type Oracle struct {
	registry  *model.Registry
	freshness time.Duration
	cache     SnapshotCache
}

// New creates an oracle. A nil cache keeps the latest snapshot in memory.
func New(registry *model.Registry, freshness time.Duration, cache SnapshotCache) *Oracle {
	if cache == nil {
		cache = NewMemorySnapshotCache()
	}
	return &Oracle{registry: registry, freshness: freshness, cache: cache}
}

// Registry returns the asset registry the oracle values against.
func (o *Oracle) Registry() *model.Registry { return o.registry }

// Freshness returns the maximum price age accepted by Strict reads.
func (o *Oracle) Freshness() time.Duration { return o.freshness }

// Fetch quotes every non-base asset in assets and returns a snapshot taken at now.
func (o *Oracle) Fetch(ctx context.Context, src PriceSource, assets []model.AssetID, now time.Time) (model.PriceSnapshot, error) {
	snap := model.PriceSnapshot{Prices: make(map[model.AssetID]model.PricePoint, len(assets)), TakenAt: now}
	for _, id := range assets {
		if o.registry.IsBase(id) {
			continue
		}
		if _, err := o.registry.Get(id); err != nil {
			return model.PriceSnapshot{}, err
		}
		price, err := src.SpotPrice(ctx, id)
		if err != nil {
			return model.PriceSnapshot{}, fmt.Errorf("%w: %s: %w", ErrSourceFailed, id, err)
		}
		snap.Prices[id] = model.PricePoint{Price: price, At: now}
	}
	return snap, nil
}

// Publish stores snap as the latest snapshot for display reads.
func (o *Oracle) Publish(ctx context.Context, snap model.PriceSnapshot) error {
	return o.cache.Publish(ctx, snap)
}

// Latest returns the last published snapshot.
func (o *Oracle) Latest(ctx context.Context) (model.PriceSnapshot, bool, error) {
	return o.cache.Latest(ctx)
}

// At binds a snapshot, the transaction time and a mode into a View.
func (o *Oracle) At(snap model.PriceSnapshot, now time.Time, mode Mode) View {
	return View{o: o, snap: snap, now: now, mode: mode}
}

// View is a read of one snapshot at one point in time.
type View struct {
	o    *Oracle
	snap model.PriceSnapshot
	now  time.Time
	mode Mode
}

// Price returns the base-unit value of one whole asset. Base is priced
// implicitly at one whole base unit.
func (v View) Price(asset model.AssetID) (*uint256.Int, error) {
	if v.o.registry.IsBase(asset) {
		return v.o.registry.Unit(asset)
	}
	p, ok := v.snap.Prices[asset]
	if !ok || p.Price == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingPrice, asset)
	}
	if v.mode == Strict && v.now.Sub(p.At) >= v.o.freshness {
		return nil, fmt.Errorf("%w: %s priced at %s, now %s", ErrStalePrice, asset,
			p.At.Format(time.RFC3339), v.now.Format(time.RFC3339))
	}
	return p.Price, nil
}

// Value converts amount of asset into base units.
func (v View) Value(asset model.AssetID, amount *uint256.Int) (*uint256.Int, error) {
	amount = model.Amount(amount)
	if amount.IsZero() {
		return new(uint256.Int), nil
	}
	price, err := v.Price(asset)
	if err != nil {
		return nil, err
	}
	unit, err := v.o.registry.Unit(asset)
	if err != nil {
		return nil, err
	}
	return percent.MulDiv(amount, price, unit)
}

// AmountFor converts a base-unit value into units of asset.
func (v View) AmountFor(asset model.AssetID, value *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(asset)
	if err != nil {
		return nil, err
	}
	unit, err := v.o.registry.Unit(asset)
	if err != nil {
		return nil, err
	}
	return percent.MulDiv(model.Amount(value), unit, price)
}

// TotalValue sums the base-unit value of every holding.
func (v View) TotalValue(holdings map[model.AssetID]*uint256.Int) (*uint256.Int, error) {
	ids := make([]model.AssetID, 0, len(holdings))
	for id := range holdings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	total := new(uint256.Int)
	for _, id := range ids {
		val, err := v.Value(id, holdings[id])
		if err != nil {
			return nil, err
		}
		if _, overflow := total.AddOverflow(total, val); overflow {
			return nil, percent.ErrArithmeticOverflow
		}
	}
	return total, nil
}

// PercentageOfPortfolio returns the share of asset in holdings.
func (v View) PercentageOfPortfolio(holdings map[model.AssetID]*uint256.Int, asset model.AssetID) (percent.Percent, error) {
	total, err := v.TotalValue(holdings)
	if err != nil {
		return 0, err
	}
	val, err := v.Value(asset, holdings[asset])
	if err != nil {
		return 0, err
	}
	return percent.WhatPercentOf(val, total)
}
