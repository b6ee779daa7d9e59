// Package cash runs the cash basket: the allocation targets, the rebalance
// queues and the single liquidity reservation slot shared with the
// investment engine and the redemption coordinator.
//
// A rebalance epoch is RefreshPrices, BuildQueues, then draining the
// liquidation queue before the purchase queue. Nothing enforces the drain
// order; a driver that buys first simply finds no free base.
package cash

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/exchange"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/strategy"
)

// Config tunes the engine.
type Config struct {
	// RebalanceInterval is the minimum time between successful BuildQueues.
	RebalanceInterval time.Duration
	// Dust is the largest value difference BuildQueues ignores.
	Dust *uint256.Int
	// LiquidationBuffer pads reservation liquidations to absorb slippage.
	LiquidationBuffer percent.Percent
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		RebalanceInterval: 24 * time.Hour,
		Dust:              new(uint256.Int),
		LiquidationBuffer: percent.FromWhole(1),
	}
}

// Engine is the cash basket engine. It keeps no state of its own; every
// record lives in the ledger.
type Engine struct {
	ledger   *ledger.Ledger
	oracle   *oracle.Oracle
	router   exchange.Router
	source   oracle.PriceSource
	strategy strategy.Strategy
	cfg      Config
}

// New creates a cash engine.
func New(l *ledger.Ledger, o *oracle.Oracle, router exchange.Router, source oracle.PriceSource, s strategy.Strategy, cfg Config) *Engine {
	return &Engine{ledger: l, oracle: o, router: router, source: source, strategy: s, cfg: cfg}
}

// Route is the pair of swap paths for one allocation. Empty paths default
// to a direct hop between the asset and base.
type Route struct {
	Liquidation []model.AssetID `json:"liquidation_path"`
	Purchase    []model.AssetID `json:"purchase_path"`
}

// Fill reports one executed queue entry.
type Fill struct {
	Entry     model.QueueEntry `json:"entry"`
	AmountIn  *uint256.Int     `json:"amount_in"`
	AmountOut *uint256.Int     `json:"amount_out"`
}

func (e *Engine) base() model.AssetID { return e.oracle.Registry().Base() }

// --- Admin ---

// SetAllocations replaces the whole target list. Held assets missing from
// the new list are liquidated into base at once and forgotten.
func (e *Engine) SetAllocations(ctx context.Context, capa admin.Capability, assets []model.AssetID, targets []percent.Percent, routes []Route) error {
	if err := capa.Check(); err != nil {
		return err
	}
	allocs, err := e.buildAllocations(assets, targets, routes)
	if err != nil {
		return err
	}

	return e.ledger.Update(ctx, "cash.set_allocations", func(tx *ledger.Tx) error {
		cs := &tx.State.Cash
		keep := make(map[model.AssetID]bool, len(allocs))
		for _, a := range allocs {
			keep[a.Asset] = true
		}

		for _, old := range cs.Allocations {
			if keep[old.Asset] || old.Asset == e.base() {
				continue
			}
			if err := e.dropAsset(tx, old); err != nil {
				return err
			}
		}

		cs.Allocations = allocs
		tx.Emit(model.EventAllocationsSet, "", "", nil, describe(allocs)+" by "+capa.Session())
		return nil
	})
}

func (e *Engine) buildAllocations(assets []model.AssetID, targets []percent.Percent, routes []Route) ([]model.Allocation, error) {
	if len(assets) != len(targets) || (len(routes) != 0 && len(routes) != len(assets)) {
		return nil, fmt.Errorf("%w: %d assets, %d targets, %d routes", ErrArgumentMismatch, len(assets), len(targets), len(routes))
	}
	reg := e.oracle.Registry()
	seen := make(map[model.AssetID]bool, len(assets))
	var sum percent.Percent
	allocs := make([]model.Allocation, 0, len(assets))

	for i, id := range assets {
		if _, err := reg.Get(id); err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, id)
		}
		seen[id] = true
		if targets[i] > percent.Hundred {
			return nil, fmt.Errorf("%w: %s targets %s", ErrInvalidTarget, id, targets[i])
		}
		sum += targets[i]
		if sum > percent.Hundred {
			return nil, fmt.Errorf("%w: sum reaches %s", ErrInvalidTarget, sum)
		}

		a := model.Allocation{Asset: id, Target: targets[i]}
		if !reg.IsBase(id) {
			var r Route
			if len(routes) != 0 {
				r = routes[i]
			}
			a.LiquidationPath = orDirect(r.Liquidation, id, reg.Base())
			a.PurchasePath = orDirect(r.Purchase, reg.Base(), id)
			if err := checkPath(a.LiquidationPath, id, reg.Base()); err != nil {
				return nil, err
			}
			if err := checkPath(a.PurchasePath, reg.Base(), id); err != nil {
				return nil, err
			}
		}
		allocs = append(allocs, a)
	}
	return allocs, nil
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

// dropAsset sells the whole position through its previous liquidation path
// and removes every queued swap of it.
func (e *Engine) dropAsset(tx *ledger.Tx, old model.Allocation) error {
	cs := &tx.State.Cash
	cs.LiquidationQueue = withoutAsset(cs.LiquidationQueue, old.Asset)
	cs.PurchaseQueue = withoutAsset(cs.PurchaseQueue, old.Asset)

	held := model.Amount(cs.Holdings[old.Asset])
	if held.IsZero() {
		delete(cs.Holdings, old.Asset)
		return nil
	}
	out, err := e.router.Swap(tx.Ctx, old.LiquidationPath, held)
	if err != nil {
		return fmt.Errorf("liquidate dropped %s: %w", old.Asset, err)
	}
	delete(cs.Holdings, old.Asset)
	if err := model.Credit(cs.Holdings, e.base(), out); err != nil {
		return err
	}
	tx.Emit(model.EventLiquidated, old.Asset, "", held, fmt.Sprintf("dropped from allocations, received %s", out.Dec()))
	return nil
}

func withoutAsset(q []model.QueueEntry, asset model.AssetID) []model.QueueEntry {
	return slices.DeleteFunc(q, func(en model.QueueEntry) bool { return en.Asset == asset })
}

// Pause halts every cash operation except those on the redemption path.
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
	return e.ledger.Update(ctx, "cash.pause", func(tx *ledger.Tx) error {
		tx.State.Cash.Paused = paused
		kind := model.EventUnpaused
		if paused {
			kind = model.EventPaused
		}
		tx.Emit(kind, "", "", nil, "cash")
		return nil
	})
}

// --- Prices and queues ---

// RefreshPrices quotes every asset either engine holds or targets and
// stores the result as the current snapshot.
func (e *Engine) RefreshPrices(ctx context.Context) (model.PriceSnapshot, error) {
	var snap model.PriceSnapshot
	err := e.ledger.Update(ctx, "cash.refresh_prices", func(tx *ledger.Tx) error {
		if tx.State.Cash.Paused {
			return ErrPaused
		}
		var err error
		snap, err = e.oracle.Fetch(tx.Ctx, e.source, pricedAssets(tx.State), tx.Now)
		if err != nil {
			return err
		}
		tx.State.Prices = snap
		tx.Emit(model.EventPricesRefreshed, "", "", nil, fmt.Sprintf("%d prices", len(snap.Prices)))
		return nil
	})
	if err != nil {
		return model.PriceSnapshot{}, err
	}
	// The cache only ever sees committed snapshots. A failed publish leaves
	// the committed refresh in place; Prices repairs the cache on read.
	if err := e.oracle.Publish(ctx, snap); err != nil {
		slog.Warn("publish prices failed", "err", err)
	}
	return snap, nil
}

// Prices returns the latest committed snapshot for display, read through
// the oracle's snapshot cache. A miss or a cache failure falls back to the
// ledger and republishes.
func (e *Engine) Prices(ctx context.Context) (model.PriceSnapshot, error) {
	snap, ok, err := e.oracle.Latest(ctx)
	if err != nil {
		slog.Warn("read cached prices failed", "err", err)
	}
	if err == nil && ok {
		return snap, nil
	}
	err = e.ledger.View(func(s *model.State) error {
		snap = s.Prices
		if snap.Prices != nil {
			snap.Prices = maps.Clone(snap.Prices)
		}
		return nil
	})
	if err != nil {
		return model.PriceSnapshot{}, err
	}
	if !snap.TakenAt.IsZero() {
		if err := e.oracle.Publish(ctx, snap); err != nil {
			slog.Warn("publish prices failed", "err", err)
		}
	}
	return snap, nil
}

func pricedAssets(s *model.State) []model.AssetID {
	set := make(map[model.AssetID]bool)
	for id := range s.Cash.Holdings {
		set[id] = true
	}
	for _, a := range s.Cash.Allocations {
		set[a.Asset] = true
	}
	for id := range s.Investment.Holdings {
		set[id] = true
	}
	for id := range s.Investment.Assets {
		set[id] = true
	}
	out := make([]model.AssetID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuildQueues diffs the basket against its targets and replaces the
// rebalance entries of both queues. Liquidations queued for an open
// reservation are kept, and their assets are left out of the diff.
func (e *Engine) BuildQueues(ctx context.Context) (strategy.DiffResult, error) {
	var res strategy.DiffResult
	err := e.ledger.Update(ctx, "cash.build_queues", func(tx *ledger.Tx) error {
		cs := &tx.State.Cash
		if cs.Paused {
			return ErrPaused
		}
		if !cs.LastRebalance.IsZero() && tx.Now.Sub(cs.LastRebalance) < e.cfg.RebalanceInterval {
			return fmt.Errorf("%w: last built %s, next at %s", ErrRateLimited,
				cs.LastRebalance.Format(time.RFC3339), cs.LastRebalance.Add(e.cfg.RebalanceInterval).Format(time.RFC3339))
		}
		snap := tx.State.Prices
		if snap.TakenAt.IsZero() {
			return fmt.Errorf("%w: prices were never refreshed", oracle.ErrMissingPrice)
		}
		if tx.Now.Sub(snap.TakenAt) >= e.oracle.Freshness() {
			return fmt.Errorf("%w: snapshot taken %s", oracle.ErrStalePrice, snap.TakenAt.Format(time.RFC3339))
		}
		view := e.oracle.At(snap, tx.Now, oracle.Strict)
		for _, a := range cs.Allocations {
			if _, err := view.Price(a.Asset); err != nil {
				return err
			}
		}

		kept := slices.DeleteFunc(slices.Clone(cs.LiquidationQueue), func(en model.QueueEntry) bool {
			return en.Reason == model.ReasonRebalance
		})
		holdings := e.valuedHoldings(tx.State, kept)
		pinned := make(map[model.AssetID]bool)
		for _, en := range kept {
			pinned[en.Asset] = true
		}
		allocs := slices.DeleteFunc(slices.Clone(cs.Allocations), func(a model.Allocation) bool {
			return pinned[a.Asset]
		})

		var err error
		res, err = e.strategy.Diff(strategy.DiffInput{
			View:        view,
			Base:        e.base(),
			Holdings:    holdings,
			Allocations: allocs,
			Dust:        e.cfg.Dust,
		})
		if err != nil {
			return err
		}

		cs.LiquidationQueue = append(kept, res.Liquidations...)
		cs.PurchaseQueue = res.Purchases
		cs.LastRebalance = tx.Now
		tx.Emit(model.EventQueuesBuilt, "", "", nil,
			fmt.Sprintf("%d liquidations, %d purchases", len(res.Liquidations), len(res.Purchases)))
		return nil
	})
	return res, err
}

// valuedHoldings is the part of the basket the diff may move: reserved base
// and amounts already queued for a reservation are excluded.
func (e *Engine) valuedHoldings(s *model.State, pending []model.QueueEntry) map[model.AssetID]*uint256.Int {
	out := make(map[model.AssetID]*uint256.Int, len(s.Cash.Holdings))
	for id, amt := range s.Cash.Holdings {
		out[id] = model.Amount(amt).Clone()
	}
	out[e.base()] = FreeBase(s, e.base())
	for _, en := range pending {
		out[en.Asset] = percent.SatSub(model.Amount(out[en.Asset]), model.Amount(en.Amount))
	}
	return out
}

// FreeBase is the cash basket's base balance not promised to a reservation.
func FreeBase(s *model.State, base model.AssetID) *uint256.Int {
	held := model.Amount(s.Cash.Holdings[base])
	if r := s.Cash.Reservation; r != nil {
		return percent.SatSub(held, model.Amount(r.CashAmount))
	}
	return held.Clone()
}

// ProcessLiquidation sells the oldest queued liquidation into base. While
// paused only liquidations queued for a redemption may run.
func (e *Engine) ProcessLiquidation(ctx context.Context) (Fill, error) {
	var fill Fill
	err := e.ledger.Update(ctx, "cash.process_liquidation", func(tx *ledger.Tx) error {
		cs := &tx.State.Cash
		if len(cs.LiquidationQueue) == 0 {
			return fmt.Errorf("%w: liquidation", ErrEmptyQueue)
		}
		head := cs.LiquidationQueue[0]
		if cs.Paused && head.Reason != model.ReasonRedemption {
			return ErrPaused
		}
		cs.LiquidationQueue = cs.LiquidationQueue[1:]

		amountIn := percent.Min(model.Amount(head.Amount), model.Amount(cs.Holdings[head.Asset]))
		out := new(uint256.Int)
		if !amountIn.IsZero() {
			var err error
			out, err = e.router.Swap(tx.Ctx, head.Path, amountIn)
			if err != nil {
				return fmt.Errorf("liquidate %s: %w", head.Asset, err)
			}
			if err := model.Debit(cs.Holdings, head.Asset, amountIn); err != nil {
				return err
			}
			if err := model.Credit(cs.Holdings, e.base(), out); err != nil {
				return err
			}
		}
		fill = Fill{Entry: head, AmountIn: amountIn, AmountOut: out}
		tx.Emit(model.EventLiquidated, head.Asset, "", amountIn, fmt.Sprintf("%s, received %s", head.Reason, out.Dec()))
		return nil
	})
	return fill, err
}

// ProcessPurchase buys the oldest queued purchase with free base. When no
// base is free the entry stays queued; when some is, the unfilled rest does.
func (e *Engine) ProcessPurchase(ctx context.Context) (Fill, error) {
	var fill Fill
	err := e.ledger.Update(ctx, "cash.process_purchase", func(tx *ledger.Tx) error {
		cs := &tx.State.Cash
		if cs.Paused {
			return ErrPaused
		}
		if len(cs.PurchaseQueue) == 0 {
			return fmt.Errorf("%w: purchase", ErrEmptyQueue)
		}
		head := cs.PurchaseQueue[0]
		free := FreeBase(tx.State, e.base())
		if free.IsZero() {
			return fmt.Errorf("%w: %s waits for liquidations", ErrInsufficientLiquidity, head.Asset)
		}
		// Purchase amounts are in base. A partial fill leaves the rest at
		// the head for the next call.
		amountIn := percent.Min(model.Amount(head.Amount), free)
		if rest := new(uint256.Int).Sub(model.Amount(head.Amount), amountIn); rest.IsZero() {
			cs.PurchaseQueue = cs.PurchaseQueue[1:]
		} else {
			left := head
			left.Amount = rest
			left.Value = rest.Clone()
			cs.PurchaseQueue = append([]model.QueueEntry{left}, cs.PurchaseQueue[1:]...)
		}
		out, err := e.router.Swap(tx.Ctx, head.Path, amountIn)
		if err != nil {
			return fmt.Errorf("purchase %s: %w", head.Asset, err)
		}
		if err := model.Debit(cs.Holdings, e.base(), amountIn); err != nil {
			return err
		}
		if err := model.Credit(cs.Holdings, head.Asset, out); err != nil {
			return err
		}
		fill = Fill{Entry: head, AmountIn: amountIn, AmountOut: out}
		tx.Emit(model.EventPurchased, head.Asset, "", out, fmt.Sprintf("spent %s base", amountIn.Dec()))
		return nil
	})
	return fill, err
}

func describe(allocs []model.Allocation) string {
	s := ""
	for i, a := range allocs {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%s", a.Asset, a.Target)
	}
	return s
}
