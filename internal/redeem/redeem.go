// Package redeem coordinates pool deposits and the request, prepare and
// settle protocol that pays redemptions out of both engines.
//
// Liquidity is drawn from the cash basket first. Whatever the basket cannot
// cover is earmarked on the investment side, which liquidates its own
// positions for it. Settlement pays only what has actually been freed, so a
// request may take several Redeem calls to complete.
package redeem

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/metrics"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/shares"
)

var (
	ErrPaused              = apperrors.New(apperrors.Paused, "redeem: pool paused")
	ErrInvalidUser         = apperrors.New(apperrors.Validation, "redeem: user is required")
	ErrZeroAmount          = apperrors.New(apperrors.Validation, "redeem: amount must be positive")
	ErrDepositCapReached   = apperrors.New(apperrors.Validation, "redeem: deposit cap reached")
	ErrInsufficientBalance = apperrors.New(apperrors.Validation, "redeem: insufficient share balance")
	ErrTimeLockActive      = apperrors.New(apperrors.RateLimited, "redeem: deposit time lock active")
	ErrNoRequest           = apperrors.New(apperrors.NotFound, "redeem: no pending request")
	ErrAlreadyAuthorized   = apperrors.New(apperrors.StateConflict, "redeem: request is already authorized")
	ErrNoLiquidity         = apperrors.New(apperrors.StateConflict, "redeem: no liquidity to authorize")
	ErrNotAuthorized       = apperrors.New(apperrors.StateConflict, "redeem: nothing authorized")
	ErrLiquidityPending    = apperrors.New(apperrors.StateConflict, "redeem: authorized liquidity has not been freed yet")
)

// Config tunes the coordinator.
type Config struct {
	// TimeLock is how long after a deposit its depositor may not request
	// a redemption.
	TimeLock time.Duration
	// DepositCap bounds the pool's net asset value. Nil or zero disables it.
	DepositCap *uint256.Int
}

// DefaultConfig returns a 24h time lock and no deposit cap.
func DefaultConfig() Config {
	return Config{TimeLock: 24 * time.Hour}
}

// Coordinator owns the pool records.
type Coordinator struct {
	ledger *ledger.Ledger
	oracle *oracle.Oracle
	cash   *cash.Engine
	invest *invest.Engine
	shares shares.Ledger
	cfg    Config
}

// New creates a coordinator.
func New(l *ledger.Ledger, o *oracle.Oracle, c *cash.Engine, inv *invest.Engine, book shares.Ledger, cfg Config) *Coordinator {
	return &Coordinator{ledger: l, oracle: o, cash: c, invest: inv, shares: book, cfg: cfg}
}

func (c *Coordinator) base() model.AssetID { return c.oracle.Registry().Base() }

// nav is the value of everything both engines hold. Payouts owed to users
// are already outside the holdings.
func (c *Coordinator) nav(s *model.State, now time.Time) (*uint256.Int, error) {
	view := c.oracle.At(s.Prices, now, oracle.Tolerant)
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

// Deposit credits amount of base to the cash basket and mints shares at the
// current net asset value, one share per base unit for the first deposit.
func (c *Coordinator) Deposit(ctx context.Context, user string, amount *uint256.Int) (*uint256.Int, error) {
	if user == "" {
		return nil, ErrInvalidUser
	}
	if model.Amount(amount).IsZero() {
		return nil, ErrZeroAmount
	}
	var minted *uint256.Int
	err := c.ledger.Update(ctx, "pool.deposit", func(tx *ledger.Tx) error {
		if tx.State.Pool.Paused {
			return ErrPaused
		}
		nav, err := c.nav(tx.State, tx.Now)
		if err != nil {
			return err
		}
		if limit := model.Amount(c.cfg.DepositCap); !limit.IsZero() {
			after, err := percent.Sum(nav, amount)
			if err != nil {
				return err
			}
			if after.Gt(limit) {
				return fmt.Errorf("%w: %s would exceed %s", ErrDepositCapReached, after.Dec(), limit.Dec())
			}
		}

		supply := c.shares.TotalSupply(tx.State)
		if supply.IsZero() || nav.IsZero() {
			minted = amount.Clone()
		} else if minted, err = percent.MulDiv(amount, supply, nav); err != nil {
			return err
		}
		if minted.IsZero() {
			return fmt.Errorf("%w: %s mints no shares", ErrZeroAmount, amount.Dec())
		}

		if err := c.shares.Mint(tx, user, minted); err != nil {
			return err
		}
		if err := model.Credit(tx.State.Cash.Holdings, c.base(), amount); err != nil {
			return err
		}
		tx.State.Pool.LastDeposit[user] = tx.Now
		tx.Emit(model.EventDeposited, c.base(), user, amount, fmt.Sprintf("minted %s shares", minted.Dec()))
		return nil
	})
	return minted, err
}

// RequestRedeem adds amount shares to user's pending request.
func (c *Coordinator) RequestRedeem(ctx context.Context, user string, amount *uint256.Int) (*model.RedemptionRequest, error) {
	if model.Amount(amount).IsZero() {
		return nil, ErrZeroAmount
	}
	var out *model.RedemptionRequest
	err := c.ledger.Update(ctx, "pool.request_redeem", func(tx *ledger.Tx) error {
		pool := &tx.State.Pool
		if last, ok := pool.LastDeposit[user]; ok && tx.Now.Sub(last) < c.cfg.TimeLock {
			return fmt.Errorf("%w: until %s", ErrTimeLockActive, last.Add(c.cfg.TimeLock).Format(time.RFC3339))
		}

		req, ok := pool.Requests[user]
		if !ok {
			req = &model.RedemptionRequest{Requester: user, Requested: new(uint256.Int)}
		}
		total, err := percent.Sum(req.Requested, amount)
		if err != nil {
			return err
		}
		if bal := c.shares.BalanceOf(tx.State, user); total.Gt(bal) {
			return fmt.Errorf("%w: %s requested of %s held", ErrInsufficientBalance, total.Dec(), bal.Dec())
		}
		req.Requested = total
		req.RequestedAt = tx.Now
		pool.Requests[user] = req

		out = copyRequest(req)
		tx.Emit(model.EventRedeemRequested, "", user, amount, "pending "+total.Dec())
		return nil
	})
	return out, err
}

// Authorization is the outcome of PrepareDryPowder.
type Authorization struct {
	Shares     *uint256.Int `json:"shares"`
	Value      *uint256.Int `json:"value"`
	FromCash   *uint256.Int `json:"from_cash"`
	FromInvest *uint256.Int `json:"from_investment"`
	PermitID   string       `json:"permit_id"`
}

// PrepareDryPowder reserves liquidity for the unauthorized part of user's
// request and authorizes as many shares as the reserved value pays for.
func (c *Coordinator) PrepareDryPowder(ctx context.Context, user string) (Authorization, error) {
	var auth Authorization
	err := c.ledger.Update(ctx, "pool.prepare_dry_powder", func(tx *ledger.Tx) error {
		req, ok := tx.State.Pool.Requests[user]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoRequest, user)
		}
		if c.ownPermit(tx.State, user) == nil {
			// The permit backing an earlier authorization was canceled.
			req.AuthorizedShares = new(uint256.Int)
			req.AuthorizedValue = new(uint256.Int)
		}
		outstanding := percent.SatSub(model.Amount(req.Requested), model.Amount(req.AuthorizedShares))
		if outstanding.IsZero() {
			return fmt.Errorf("%w: %s", ErrAlreadyAuthorized, user)
		}

		nav, err := c.nav(tx.State, tx.Now)
		if err != nil {
			return err
		}
		supply := c.shares.TotalSupply(tx.State)
		if supply.IsZero() {
			return ErrNoLiquidity
		}
		value, err := percent.MulDiv(outstanding, nav, supply)
		if err != nil {
			return err
		}
		if value.IsZero() {
			return fmt.Errorf("%w: %s shares are worth nothing", ErrNoLiquidity, outstanding.Dec())
		}

		permit, short, err := c.cash.ReserveForRedemptionTx(tx, user, value)
		if err != nil {
			return err
		}
		fromCash := new(uint256.Int).Sub(value, short)
		fromInvest := new(uint256.Int)
		if !short.IsZero() {
			if fromInvest, err = c.invest.PrepareDryPowderForRedemptionTx(tx, permit.ID, short); err != nil {
				return err
			}
		}
		covered, err := percent.Sum(fromCash, fromInvest)
		if err != nil {
			return err
		}
		authShares, err := percent.MulDiv(outstanding, covered, value)
		if err != nil {
			return err
		}
		if authShares.IsZero() {
			return fmt.Errorf("%w: %s", ErrNoLiquidity, user)
		}

		if req.AuthorizedShares, err = percent.Sum(req.AuthorizedShares, authShares); err != nil {
			return err
		}
		if req.AuthorizedValue, err = percent.Sum(req.AuthorizedValue, covered); err != nil {
			return err
		}
		auth = Authorization{Shares: authShares, Value: covered, FromCash: fromCash, FromInvest: fromInvest, PermitID: permit.ID}
		tx.Emit(model.EventRedeemAuthorized, "", user, authShares,
			fmt.Sprintf("worth %s, %s from cash, %s from investments", covered.Dec(), fromCash.Dec(), fromInvest.Dec()))
		return nil
	})
	return auth, err
}

func (c *Coordinator) ownPermit(s *model.State, user string) *model.Permit {
	p := s.Cash.Reservation
	if p == nil || p.Purpose != model.PurposeRedemption || p.Owner != user {
		return nil
	}
	return p
}

// Settlement is the outcome of one Redeem call.
type Settlement struct {
	Shares    *uint256.Int `json:"shares"`
	Value     *uint256.Int `json:"value"`
	Remaining *uint256.Int `json:"remaining"`
}

// Redeem settles as much of user's authorization as freed liquidity pays
// for. The shares are burned and their value credited to the user's payout
// balance. Redeem runs while the pool is paused.
func (c *Coordinator) Redeem(ctx context.Context, user string) (Settlement, error) {
	var out Settlement
	err := c.ledger.Update(ctx, "pool.redeem", func(tx *ledger.Tx) error {
		req, ok := tx.State.Pool.Requests[user]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoRequest, user)
		}
		authShares := model.Amount(req.AuthorizedShares)
		authValue := model.Amount(req.AuthorizedValue)
		permit := c.ownPermit(tx.State, user)
		if authShares.IsZero() || authValue.IsZero() || permit == nil {
			return fmt.Errorf("%w: %s", ErrNotAuthorized, user)
		}

		fromCash, err := c.cash.AvailableReservedTx(tx, permit.ID)
		if err != nil {
			return err
		}
		fromInvest, err := c.invest.AvailableReservedTx(tx, permit.ID)
		if err != nil {
			return err
		}
		avail, err := percent.Sum(fromCash, fromInvest)
		if err != nil {
			return err
		}
		value := percent.Min(authValue, avail)
		settled, err := percent.MulDiv(authShares, value, authValue)
		if err != nil {
			return err
		}
		if settled.IsZero() {
			return fmt.Errorf("%w: %s of %s freed", ErrLiquidityPending, avail.Dec(), authValue.Dec())
		}

		fromCash = percent.Min(value, fromCash)
		fromInvest = new(uint256.Int).Sub(value, fromCash)
		if !fromCash.IsZero() {
			if err := c.cash.ReleaseReservationTx(tx, permit.ID, fromCash); err != nil {
				return err
			}
		}
		if !fromInvest.IsZero() {
			if err := c.invest.ReleaseTx(tx, permit.ID, fromInvest); err != nil {
				return err
			}
		}
		if err := c.shares.Burn(tx, user, settled); err != nil {
			return err
		}
		if err := model.Credit(tx.State.Pool.Payouts, user, value); err != nil {
			return err
		}

		req.Requested = percent.SatSub(model.Amount(req.Requested), settled)
		req.AuthorizedShares = new(uint256.Int).Sub(authShares, settled)
		req.AuthorizedValue = new(uint256.Int).Sub(authValue, value)
		if req.AuthorizedShares.IsZero() && c.ownPermit(tx.State, user) != nil {
			if err := c.cash.CloseReservationTx(tx, permit.ID); err != nil {
				return err
			}
		}
		if req.Requested.IsZero() {
			delete(tx.State.Pool.Requests, user)
		}

		out = Settlement{Shares: settled, Value: value, Remaining: req.Requested.Clone()}
		tx.Emit(model.EventRedeemed, c.base(), user, value, fmt.Sprintf("burned %s shares", settled.Dec()))
		return nil
	})
	if err == nil {
		metrics.RedemptionsSettled.Inc()
	}
	return out, err
}

// Pause stops deposits. Holders can still request, prepare and settle
// redemptions.
func (c *Coordinator) Pause(ctx context.Context, capa admin.Capability) error {
	return c.setPaused(ctx, capa, true)
}

// Unpause resumes deposits.
func (c *Coordinator) Unpause(ctx context.Context, capa admin.Capability) error {
	return c.setPaused(ctx, capa, false)
}

func (c *Coordinator) setPaused(ctx context.Context, capa admin.Capability, paused bool) error {
	if err := capa.Check(); err != nil {
		return err
	}
	return c.ledger.Update(ctx, "pool.pause", func(tx *ledger.Tx) error {
		tx.State.Pool.Paused = paused
		kind := model.EventUnpaused
		if paused {
			kind = model.EventPaused
		}
		tx.Emit(kind, "", "", nil, "pool")
		return nil
	})
}

// --- Queries ---

// Authorized returns the shares and base value user may settle now.
func (c *Coordinator) Authorized(user string) (*uint256.Int, *uint256.Int, error) {
	req, err := c.Request(user)
	if err != nil {
		return nil, nil, err
	}
	return model.Amount(req.AuthorizedShares).Clone(), model.Amount(req.AuthorizedValue).Clone(), nil
}

// Request returns a copy of user's pending request.
func (c *Coordinator) Request(user string) (*model.RedemptionRequest, error) {
	var out *model.RedemptionRequest
	err := c.ledger.View(func(s *model.State) error {
		req, ok := s.Pool.Requests[user]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoRequest, user)
		}
		out = copyRequest(req)
		return nil
	})
	return out, err
}

// NAV returns the pool's net asset value from the last recorded prices.
func (c *Coordinator) NAV() (*uint256.Int, error) {
	var nav *uint256.Int
	err := c.ledger.View(func(s *model.State) error {
		var err error
		nav, err = c.nav(s, c.ledger.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	a, _ := c.oracle.Registry().Get(c.base())
	f, _ := decimal.NewFromBigInt(nav.ToBig(), -int32(a.Decimals)).Float64()
	metrics.NAV.Set(f)
	return nav, nil
}

// CirculatingSupply returns the total number of shares.
func (c *Coordinator) CirculatingSupply() *uint256.Int {
	var out *uint256.Int
	_ = c.ledger.View(func(s *model.State) error {
		out = c.shares.TotalSupply(s)
		return nil
	})
	return out
}

// BalanceOf returns user's shares.
func (c *Coordinator) BalanceOf(user string) *uint256.Int {
	var out *uint256.Int
	_ = c.ledger.View(func(s *model.State) error {
		out = c.shares.BalanceOf(s, user)
		return nil
	})
	return out
}

// Payout returns the base amount paid out to user so far.
func (c *Coordinator) Payout(user string) *uint256.Int {
	var out *uint256.Int
	_ = c.ledger.View(func(s *model.State) error {
		out = model.Amount(s.Pool.Payouts[user]).Clone()
		return nil
	})
	return out
}

func copyRequest(r *model.RedemptionRequest) *model.RedemptionRequest {
	return &model.RedemptionRequest{
		Requester:        r.Requester,
		Requested:        model.Amount(r.Requested).Clone(),
		RequestedAt:      r.RequestedAt,
		AuthorizedShares: model.Amount(r.AuthorizedShares).Clone(),
		AuthorizedValue:  model.Amount(r.AuthorizedValue).Clone(),
	}
}
