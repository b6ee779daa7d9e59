// Package percent implements the fixed-point percentage arithmetic used by
// every engine in the fund.
//
// Percentages are integers scaled by 10^6, so 100% is 100_000000 and 0.5% is
// 500000. Amounts are unsigned 256-bit integers in the smallest unit of their
// asset. All divisions truncate toward zero. The multiply-before-divide step
// fails with ErrArithmeticOverflow instead of wrapping.
package percent

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/fund-engine/internal/apperrors"
)

// Percent is a percentage scaled by Scale.
type Percent uint64

const (
	// Scale is the fixed-point precision of a Percent.
	Scale Percent = 1_000_000

	// Hundred is 100%.
	Hundred Percent = 100 * Scale
)

var (
	// ErrInvalidPercent is returned by Parse for malformed or negative input.
	ErrInvalidPercent = apperrors.New(apperrors.Validation, "percent: invalid percentage")

	// ErrArithmeticOverflow is returned when an intermediate product does
	// not fit in 256 bits, or a percentage does not fit in 64 bits.
	ErrArithmeticOverflow = apperrors.New(apperrors.Arithmetic, "percent: arithmetic overflow")

	// ErrDivisionByZero is returned when computing a share of a zero total.
	ErrDivisionByZero = apperrors.New(apperrors.Arithmetic, "percent: division by zero")
)

var hundred = uint256.NewInt(uint64(Hundred))

// FromWhole converts a whole-number percentage (e.g. 45 for 45%) to a Percent.
func FromWhole(n uint64) Percent {
	return Percent(n) * Scale
}

// Of returns floor(value * pct / 100%).
func Of(value *uint256.Int, pct Percent) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(uint64(pct)))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return prod.Div(prod, hundred), nil
}

// Add returns value + Of(value, pct).
func Add(value *uint256.Int, pct Percent) (*uint256.Int, error) {
	part, err := Of(value, pct)
	if err != nil {
		return nil, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(value, part)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// Subtract returns value - Of(value, pct). Percentages above 100% clamp the
// result at zero.
func Subtract(value *uint256.Int, pct Percent) (*uint256.Int, error) {
	part, err := Of(value, pct)
	if err != nil {
		return nil, err
	}
	if part.Gt(value) {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(value, part), nil
}

// WhatPercentOf returns floor(value * 100% / total).
func WhatPercentOf(value, total *uint256.Int) (Percent, error) {
	if total.IsZero() {
		return 0, ErrDivisionByZero
	}
	prod, overflow := new(uint256.Int).MulOverflow(value, hundred)
	if overflow {
		return 0, ErrArithmeticOverflow
	}
	prod.Div(prod, total)
	if !prod.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return Percent(prod.Uint64()), nil
}

// MulDiv returns floor(a * b / c), failing on overflow or a zero divisor.
func MulDiv(a, b, c *uint256.Int) (*uint256.Int, error) {
	if c.IsZero() {
		return nil, ErrDivisionByZero
	}
	prod, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return prod.Div(prod, c), nil
}

// Min returns a copy of the smaller amount.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// SatSub returns max(a - b, 0).
func SatSub(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Sum adds amounts, failing on overflow.
func Sum(amounts ...*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, a := range amounts {
		if a == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, a); overflow {
			return nil, ErrArithmeticOverflow
		}
	}
	return total, nil
}

// String renders a percentage with six decimals, e.g. "45.500000%".
func (p Percent) String() string {
	return fmt.Sprintf("%d.%06d%%", uint64(p/Scale), uint64(p%Scale))
}

// Parse reads a human percentage such as "45" or "0.3". Digits beyond
// six decimals are truncated.
func Parse(s string) (Percent, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPercent, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidPercent, s)
	}
	scaled := d.Shift(6).Truncate(0).BigInt()
	if !scaled.IsUint64() {
		return 0, fmt.Errorf("%w: %q", ErrArithmeticOverflow, s)
	}
	return Percent(scaled.Uint64()), nil
}
