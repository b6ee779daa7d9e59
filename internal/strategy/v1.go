package strategy

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
)

// V1 is the first release of the decision logic.
type V1 struct{}

func (V1) Version() string { return "v1" }

// Diff walks the allocations in order. An asset whose share of the valued
// holdings exceeds its target gets a liquidation of the excess value,
// converted to asset units and capped at the position; one below target gets
// a purchase of the missing value in base units. The base asset absorbs
// whatever is left and is never queued.
func (V1) Diff(in DiffInput) (DiffResult, error) {
	var res DiffResult

	total, err := in.View.TotalValue(in.Holdings)
	if err != nil {
		return res, err
	}
	if total.IsZero() {
		return res, nil
	}
	dust := model.Amount(in.Dust)

	for _, a := range in.Allocations {
		if a.Asset == in.Base {
			continue
		}
		held := model.Amount(in.Holdings[a.Asset])
		current, err := in.View.Value(a.Asset, held)
		if err != nil {
			return res, err
		}
		currentPct, err := percent.WhatPercentOf(current, total)
		if err != nil {
			return res, err
		}
		want, err := percent.Of(total, a.Target)
		if err != nil {
			return res, err
		}

		switch {
		case currentPct > a.Target:
			diff := percent.SatSub(current, want)
			if !diff.Gt(dust) {
				continue
			}
			amount, err := in.View.AmountFor(a.Asset, diff)
			if err != nil {
				return res, err
			}
			amount = percent.Min(amount, held)
			if amount.IsZero() {
				continue
			}
			res.Liquidations = append(res.Liquidations, model.QueueEntry{
				ID:     uuid.New().String(),
				Asset:  a.Asset,
				Amount: amount,
				Value:  diff,
				Path:   append([]model.AssetID(nil), a.LiquidationPath...),
				Reason: model.ReasonRebalance,
			})

		case currentPct < a.Target:
			diff := percent.SatSub(want, current)
			if !diff.Gt(dust) {
				continue
			}
			res.Purchases = append(res.Purchases, model.QueueEntry{
				ID:     uuid.New().String(),
				Asset:  a.Asset,
				Amount: diff.Clone(),
				Value:  diff,
				Path:   append([]model.AssetID(nil), a.PurchasePath...),
				Reason: model.ReasonRebalance,
			})
		}
	}
	return res, nil
}

// Edge takes the newest sample as the reference price. Gain is the distance
// from the reference up to the target. Loss is the larger of the assumed
// downside and the deepest peak-to-trough drawdown seen in the samples.
func (V1) Edge(in EdgeInput) (Edge, error) {
	if len(in.Samples) == 0 {
		return Edge{}, ErrNoSamples
	}
	ref := model.Amount(in.Samples[0].Price)
	target := model.Amount(in.TargetPrice)
	e := Edge{Reference: ref.Clone()}
	if ref.IsZero() || !target.Gt(ref) {
		return e, nil
	}

	gain, err := percent.WhatPercentOf(new(uint256.Int).Sub(target, ref), ref)
	if err != nil {
		return e, err
	}
	drawdown, err := deepestDrawdown(in.Samples)
	if err != nil {
		return e, err
	}

	e.Gain = gain
	e.Loss = max(in.AssumedLoss, drawdown)
	e.Favorable = gain > 0 && e.Loss > 0
	return e, nil
}

// deepestDrawdown scans samples oldest to newest and returns the largest
// fall from a running high.
func deepestDrawdown(samples []model.PriceSample) (percent.Percent, error) {
	high := new(uint256.Int)
	var worst percent.Percent
	for i := len(samples) - 1; i >= 0; i-- {
		p := model.Amount(samples[i].Price)
		if p.Gt(high) {
			high.Set(p)
			continue
		}
		if high.IsZero() {
			continue
		}
		dd, err := percent.WhatPercentOf(new(uint256.Int).Sub(high, p), high)
		if err != nil {
			return 0, err
		}
		worst = max(worst, dd)
	}
	return worst, nil
}

// Spread assigns floor(amount * bucket / sum) to each bucket, then hands the
// rounding remainder to buckets with room left, first come first served.
// The result sums to min(amount, sum of buckets).
func (V1) Spread(amount *uint256.Int, buckets []*uint256.Int) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(buckets))
	sum, err := percent.Sum(buckets...)
	if err != nil {
		return nil, err
	}
	want := percent.Min(model.Amount(amount), sum)
	if want.IsZero() {
		for i := range out {
			out[i] = new(uint256.Int)
		}
		return out, nil
	}

	assigned := new(uint256.Int)
	for i, b := range buckets {
		part, err := percent.MulDiv(want, model.Amount(b), sum)
		if err != nil {
			return nil, err
		}
		out[i] = part
		assigned.Add(assigned, part)
	}

	rest := new(uint256.Int).Sub(want, assigned)
	for i, b := range buckets {
		if rest.IsZero() {
			break
		}
		room := percent.SatSub(model.Amount(b), out[i])
		take := percent.Min(room, rest)
		out[i].Add(out[i], take)
		rest.Sub(rest, take)
	}
	return out, nil
}
