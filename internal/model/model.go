// Package model defines the persisted records shared by every engine.
//
// Amounts are *uint256.Int in the smallest unit of their asset; a nil amount
// reads as zero. The layout is append-only: fields may be added, never
// renamed or reinterpreted, so that any strategy version can read the state
// written by another.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/ringbuf"
)

// SchemaVersion is the current layout of State.
const SchemaVersion = 1

// AssetID is the symbol of a fungible holding.
type AssetID string

// Allocation is the desired weight of one asset in the cash basket together
// with the swap paths used to move in and out of it.
type Allocation struct {
	Asset           AssetID         `json:"asset"`
	Target          percent.Percent `json:"target"`
	LiquidationPath []AssetID       `json:"liquidation_path,omitempty"`
	PurchasePath    []AssetID       `json:"purchase_path,omitempty"`
}

// PricePoint is the base-unit value of one whole asset at a point in time.
type PricePoint struct {
	Price *uint256.Int `json:"price"`
	At    time.Time    `json:"at"`
}

// PriceSnapshot is the latest accepted price per asset.
type PriceSnapshot struct {
	Prices  map[AssetID]PricePoint `json:"prices"`
	TakenAt time.Time              `json:"taken_at"`
}

// Reason records why a queue entry was produced.
type Reason string

const (
	ReasonRebalance     Reason = "rebalance"
	ReasonInvestmentBuy Reason = "investment_buy"
	ReasonRedemption    Reason = "redemption"
)

// QueueEntry is one queued swap. Amount is the input amount in units of the
// asset being sold (for liquidations) or of base (for purchases); Value is the
// base-unit value it was sized from.
type QueueEntry struct {
	ID     string       `json:"id"`
	Asset  AssetID      `json:"asset"`
	Amount *uint256.Int `json:"amount"`
	Value  *uint256.Int `json:"value"`
	Path   []AssetID    `json:"path"`
	Reason Reason       `json:"reason"`
}

// Purpose is the consumer a reservation was opened for.
type Purpose string

const (
	PurposeInvestmentBuy Purpose = "investment_buy"
	PurposeRedemption    Purpose = "redemption"
)

// Permit is the token for the single outstanding liquidity reservation.
// CashAmount is base reserved inside the cash basket; InvestmentAmount is base
// the investment engine earmarked for the same consumer.
type Permit struct {
	ID               string       `json:"id"`
	Purpose          Purpose      `json:"purpose"`
	Asset            AssetID      `json:"asset,omitempty"`
	Owner            string       `json:"owner,omitempty"`
	CashAmount       *uint256.Int `json:"cash_amount"`
	InvestmentAmount *uint256.Int `json:"investment_amount"`
	OpenedAt         time.Time    `json:"opened_at"`
}

// Total is the base amount reserved on both engines.
func (p *Permit) Total() *uint256.Int {
	return new(uint256.Int).Add(Amount(p.CashAmount), Amount(p.InvestmentAmount))
}

// PriceSample is one periodic price observation of an investment asset.
type PriceSample struct {
	Price *uint256.Int `json:"price"`
	At    time.Time    `json:"at"`
}

// Side is the direction of the latest investment determination.
type Side string

const (
	SideNone Side = "none"
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// InvestmentRecord tracks one speculative position.
//
// Authorized is a base amount for buys and an asset amount for sells.
type InvestmentRecord struct {
	Asset               AssetID                    `json:"asset"`
	TargetPrice         *uint256.Int               `json:"target_price"`
	Confidence          percent.Percent            `json:"confidence"`
	LiquidationPath     []AssetID                  `json:"liquidation_path"`
	PurchasePath        []AssetID                  `json:"purchase_path"`
	Samples             *ringbuf.Ring[PriceSample] `json:"samples"`
	LastSampleAt        time.Time                  `json:"last_sample_at"`
	LastDeterminationAt time.Time                  `json:"last_determination_at"`
	Side                Side                       `json:"side"`
	Authorized          *uint256.Int               `json:"authorized"`
	TargetWeight        percent.Percent            `json:"target_weight"`
	ReservedForBuy      bool                       `json:"reserved_for_buy"`
}

// RedemptionRequest is a user's pending claim. AuthorizedShares never exceeds
// Requested; AuthorizedValue is the base amount those shares settle for.
type RedemptionRequest struct {
	Requester        string       `json:"requester"`
	Requested        *uint256.Int `json:"requested"`
	RequestedAt      time.Time    `json:"requested_at"`
	AuthorizedShares *uint256.Int `json:"authorized_shares"`
	AuthorizedValue  *uint256.Int `json:"authorized_value"`
}

// CashState is owned by the cash basket engine.
type CashState struct {
	Paused           bool                     `json:"paused"`
	Allocations      []Allocation             `json:"allocations"`
	Holdings         map[AssetID]*uint256.Int `json:"holdings"`
	LiquidationQueue []QueueEntry             `json:"liquidation_queue"`
	PurchaseQueue    []QueueEntry             `json:"purchase_queue"`
	LastRebalance    time.Time                `json:"last_rebalance"`
	Reservation      *Permit                  `json:"reservation,omitempty"`
}

// InvestmentState is owned by the investment engine.
type InvestmentState struct {
	Paused           bool                          `json:"paused"`
	Assets           map[AssetID]*InvestmentRecord `json:"assets"`
	Holdings         map[AssetID]*uint256.Int      `json:"holdings"`
	LiquidationQueue []QueueEntry                  `json:"liquidation_queue"`
}

// PoolState is owned by the redemption coordinator and the share book.
type PoolState struct {
	Paused      bool                          `json:"paused"`
	Balances    map[string]*uint256.Int       `json:"balances"`
	TotalSupply *uint256.Int                  `json:"total_supply"`
	LastDeposit map[string]time.Time          `json:"last_deposit"`
	Requests    map[string]*RedemptionRequest `json:"requests"`
	Payouts     map[string]*uint256.Int       `json:"payouts"`
}

// State is the single shared ledger state.
type State struct {
	SchemaVersion int             `json:"schema_version"`
	Version       uint64          `json:"version"`
	Prices        PriceSnapshot   `json:"prices"`
	Cash          CashState       `json:"cash"`
	Investment    InvestmentState `json:"investment"`
	Pool          PoolState       `json:"pool"`
}

// NewState returns an empty state with every map allocated.
func NewState() *State {
	s := &State{SchemaVersion: SchemaVersion}
	s.Normalize()
	return s
}

// Normalize allocates nil maps after decoding an older or empty state.
func (s *State) Normalize() {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.Prices.Prices == nil {
		s.Prices.Prices = make(map[AssetID]PricePoint)
	}
	if s.Cash.Holdings == nil {
		s.Cash.Holdings = make(map[AssetID]*uint256.Int)
	}
	if s.Investment.Assets == nil {
		s.Investment.Assets = make(map[AssetID]*InvestmentRecord)
	}
	if s.Investment.Holdings == nil {
		s.Investment.Holdings = make(map[AssetID]*uint256.Int)
	}
	if s.Pool.Balances == nil {
		s.Pool.Balances = make(map[string]*uint256.Int)
	}
	if s.Pool.LastDeposit == nil {
		s.Pool.LastDeposit = make(map[string]time.Time)
	}
	if s.Pool.Requests == nil {
		s.Pool.Requests = make(map[string]*RedemptionRequest)
	}
	if s.Pool.Payouts == nil {
		s.Pool.Payouts = make(map[string]*uint256.Int)
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return DecodeState(data)
}

// DecodeState parses a persisted state.
func DecodeState(data []byte) (*State, error) {
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	out.Normalize()
	return &out, nil
}

// Amount returns a, or zero when a is nil.
func Amount(a *uint256.Int) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	return a
}

// Credit adds amount to m[key].
func Credit[K comparable](m map[K]*uint256.Int, key K, amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(Amount(m[key]), Amount(amount))
	if overflow {
		return percent.ErrArithmeticOverflow
	}
	m[key] = sum
	return nil
}

// Debit subtracts amount from m[key], failing with ErrInsufficientBalance
// when the balance is smaller. Zero balances are removed.
func Debit[K comparable](m map[K]*uint256.Int, key K, amount *uint256.Int) error {
	bal := Amount(m[key])
	if bal.Lt(Amount(amount)) {
		return fmt.Errorf("%w: %v has %s, need %s", ErrInsufficientBalance, key, bal.Dec(), Amount(amount).Dec())
	}
	rest := new(uint256.Int).Sub(bal, Amount(amount))
	if rest.IsZero() {
		delete(m, key)
		return nil
	}
	m[key] = rest
	return nil
}
