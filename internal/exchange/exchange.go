// Package exchange defines the swap router the engines trade through and a
// simulated constant-price market used by the dev server and tests.
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
)

var (
	ErrPathInvalid      = apperrors.New(apperrors.Validation, "exchange: invalid swap path")
	ErrSlippageExceeded = apperrors.New(apperrors.Upstream, "exchange: slippage exceeded")
	ErrNoLiquidity      = apperrors.New(apperrors.Upstream, "exchange: no liquidity")
)

// Router executes swaps. A swap is atomic; its output amount is trusted.
type Router interface {
	Swap(ctx context.Context, path []model.AssetID, amountIn *uint256.Int) (*uint256.Int, error)
}

// ValidatePath checks that path has at least one hop and no hop swaps an
// asset into itself.
func ValidatePath(path []model.AssetID) error {
	if len(path) < 2 {
		return fmt.Errorf("%w: %v", ErrPathInvalid, path)
	}
	for i := 1; i < len(path); i++ {
		if path[i] == path[i-1] {
			return fmt.Errorf("%w: %s repeats at hop %d", ErrPathInvalid, path[i], i)
		}
	}
	return nil
}

// Simulated is a market that fills every swap at the configured price minus
// a fixed per-hop slippage.
type Simulated struct {
	mu       sync.RWMutex
	registry *model.Registry
	prices   map[model.AssetID]*uint256.Int
	slippage percent.Percent
}

// NewSimulated creates a market with no prices set.
func NewSimulated(registry *model.Registry, slippage percent.Percent) *Simulated {
	return &Simulated{
		registry: registry,
		prices:   make(map[model.AssetID]*uint256.Int),
		slippage: slippage,
	}
}

// SetPrice sets the base-unit value of one whole asset.
func (s *Simulated) SetPrice(asset model.AssetID, price *uint256.Int) error {
	if _, err := s.registry.Get(asset); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price.Clone()
	return nil
}

// SpotPrice implements oracle.PriceSource.
func (s *Simulated) SpotPrice(_ context.Context, asset model.AssetID) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price(asset)
}

func (s *Simulated) price(asset model.AssetID) (*uint256.Int, error) {
	if _, err := s.registry.Get(asset); err != nil {
		return nil, err
	}
	if s.registry.IsBase(asset) {
		return s.registry.Unit(asset)
	}
	p, ok := s.prices[asset]
	if !ok || p.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoLiquidity, asset)
	}
	return p.Clone(), nil
}

// Swap converts amountIn of path[0] into path[len-1] hop by hop.
func (s *Simulated) Swap(_ context.Context, path []model.AssetID, amountIn *uint256.Int) (*uint256.Int, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	amount := model.Amount(amountIn).Clone()
	for i := 1; i < len(path); i++ {
		out, err := s.hop(path[i-1], path[i], amount)
		if err != nil {
			return nil, err
		}
		if out.IsZero() && !amount.IsZero() {
			return nil, fmt.Errorf("%w: %s -> %s fills nothing", ErrSlippageExceeded, path[i-1], path[i])
		}
		amount = out
	}
	return amount, nil
}

func (s *Simulated) hop(from, to model.AssetID, amount *uint256.Int) (*uint256.Int, error) {
	priceFrom, err := s.price(from)
	if err != nil {
		return nil, err
	}
	priceTo, err := s.price(to)
	if err != nil {
		return nil, err
	}
	unitFrom, _ := s.registry.Unit(from)
	unitTo, _ := s.registry.Unit(to)

	value, err := percent.MulDiv(amount, priceFrom, unitFrom)
	if err != nil {
		return nil, err
	}
	out, err := percent.MulDiv(value, unitTo, priceTo)
	if err != nil {
		return nil, err
	}
	return percent.Subtract(out, s.slippage)
}
