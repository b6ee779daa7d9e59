// Package shares keeps the pool's share balances inside the ledger state.
package shares

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
)

var (
	ErrInsufficientShares = apperrors.New(apperrors.Validation, "shares: insufficient balance")
	ErrNoHolder           = apperrors.New(apperrors.Validation, "shares: holder is required")
)

// Ledger is the share accounting the redemption coordinator drives. It has
// no transfer or approval semantics.
type Ledger interface {
	Mint(tx *ledger.Tx, to string, amount *uint256.Int) error
	Burn(tx *ledger.Tx, from string, amount *uint256.Int) error
	BalanceOf(s *model.State, who string) *uint256.Int
	TotalSupply(s *model.State) *uint256.Int
}

// Book stores balances in State.Pool.
type Book struct{}

var _ Ledger = Book{}

func (Book) Mint(tx *ledger.Tx, to string, amount *uint256.Int) error {
	if to == "" {
		return ErrNoHolder
	}
	pool := &tx.State.Pool
	supply, err := percent.Sum(pool.TotalSupply, amount)
	if err != nil {
		return err
	}
	if err := model.Credit(pool.Balances, to, amount); err != nil {
		return err
	}
	pool.TotalSupply = supply
	return nil
}

func (Book) Burn(tx *ledger.Tx, from string, amount *uint256.Int) error {
	pool := &tx.State.Pool
	if err := model.Debit(pool.Balances, from, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientShares, err)
	}
	pool.TotalSupply = percent.SatSub(model.Amount(pool.TotalSupply), model.Amount(amount))
	return nil
}

func (Book) BalanceOf(s *model.State, who string) *uint256.Int {
	return model.Amount(s.Pool.Balances[who]).Clone()
}

func (Book) TotalSupply(s *model.State) *uint256.Int {
	return model.Amount(s.Pool.TotalSupply).Clone()
}
