package model

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/fund-engine/internal/apperrors"
)

var (
	// ErrUnknownAsset is returned for an asset missing from the registry.
	ErrUnknownAsset = apperrors.New(apperrors.Validation, "model: unknown asset")

	// ErrInsufficientBalance is returned when a debit exceeds a balance.
	ErrInsufficientBalance = apperrors.New(apperrors.Validation, "model: insufficient balance")
)

// Asset is a fungible holding type.
type Asset struct {
	ID       AssetID `json:"id" mapstructure:"id"`
	Decimals uint8   `json:"decimals" mapstructure:"decimals"`
}

// Registry lists the assets the fund may hold. One of them is the base unit
// of account that every other asset is valued in.
type Registry struct {
	base   AssetID
	assets map[AssetID]Asset
}

// NewRegistry creates a registry. base must be one of assets.
func NewRegistry(base AssetID, assets ...Asset) (*Registry, error) {
	r := &Registry{base: base, assets: make(map[AssetID]Asset, len(assets))}
	for _, a := range assets {
		if a.Decimals > 77 {
			return nil, fmt.Errorf("asset %s: %d decimals do not fit 256 bits", a.ID, a.Decimals)
		}
		if _, dup := r.assets[a.ID]; dup {
			return nil, fmt.Errorf("asset %s registered twice", a.ID)
		}
		r.assets[a.ID] = a
	}
	if _, ok := r.assets[base]; !ok {
		return nil, fmt.Errorf("%w: base %s", ErrUnknownAsset, base)
	}
	return r, nil
}

// Base returns the base asset id.
func (r *Registry) Base() AssetID { return r.base }

// IsBase reports whether id is the base asset.
func (r *Registry) IsBase(id AssetID) bool { return id == r.base }

// Get looks up an asset.
func (r *Registry) Get(id AssetID) (Asset, error) {
	a, ok := r.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	return a, nil
}

// Unit returns 10^decimals, the size of one whole asset in its smallest unit.
func (r *Registry) Unit(id AssetID) (*uint256.Int, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(a.Decimals))), nil
}

// Assets returns every registered asset sorted by id.
func (r *Registry) Assets() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FormatUnits renders an amount of the given asset as a decimal string,
// e.g. 1500000 with 6 decimals becomes "1.5".
func (r *Registry) FormatUnits(id AssetID, amount *uint256.Int) string {
	a, err := r.Get(id)
	if err != nil {
		return Amount(amount).Dec()
	}
	return FormatUnits(amount, a.Decimals)
}

// FormatUnits renders amount scaled down by 10^decimals.
func FormatUnits(amount *uint256.Int, decimals uint8) string {
	return decimal.NewFromBigInt(Amount(amount).ToBig(), -int32(decimals)).String()
}

// ParseUnits converts a decimal string such as "1.5" into the smallest unit.
// Digits beyond the asset's precision are truncated.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: negative", s)
	}
	scaled := d.Shift(int32(decimals)).Truncate(0)
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse amount %q: overflows 256 bits", s)
	}
	return out, nil
}
