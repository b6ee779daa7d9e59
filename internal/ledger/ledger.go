// Package ledger serializes every state-mutating engine operation into an
// all-or-nothing transaction against the single shared state.
//
// Update clones the committed state, hands the clone to the operation, and
// swaps it in only when the operation succeeds and the store accepts it. A
// failed operation leaves no trace: the clone is dropped and rollback hooks
// registered by the operation run in reverse order.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/metrics"
	"github.com/atmx/fund-engine/internal/model"
)

// Store persists committed states and their events.
type Store interface {
	// LoadState returns the last committed state, or an empty one.
	LoadState(ctx context.Context) (*model.State, error)

	// SaveState persists state and appends events atomically. It fails
	// when the stored version is not state.Version-1.
	SaveState(ctx context.Context, state *model.State, events []model.Event) error
}

// Subscriber receives the events of every committed transaction.
type Subscriber func(events []model.Event)

// Ledger owns the shared state.
type Ledger struct {
	mu          sync.Mutex
	state       *model.State
	store       Store
	clock       Clock
	subscribers []Subscriber
}

// New loads the committed state from st.
func New(ctx context.Context, st Store, clock Clock) (*Ledger, error) {
	state, err := st.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	state.Normalize()
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{state: state, store: st, clock: clock}, nil
}

// Subscribe registers fn for committed events. Subscribers run while the
// ledger is locked and must not block.
func (l *Ledger) Subscribe(fn Subscriber) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.mu.Unlock()
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// Update runs fn as one transaction named op.
func (l *Ledger) Update(ctx context.Context, op string, fn func(tx *Tx) error) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() {
		metrics.TransactionLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	clone, err := l.state.Clone()
	if err != nil {
		metrics.Transactions.WithLabelValues(op, "failed").Inc()
		return err
	}
	tx := &Tx{Ctx: ctx, State: clone, Now: l.clock.Now()}

	if err := fn(tx); err != nil {
		tx.rollback()
		metrics.Transactions.WithLabelValues(op, "rejected").Inc()
		if apperrors.KindOf(err) == apperrors.Internal {
			slog.Error("transaction failed", "op", op, "err", err)
		} else {
			slog.Debug("transaction rejected", "op", op, "err", err)
		}
		return err
	}

	clone.Version = l.state.Version + 1
	if err := l.store.SaveState(ctx, clone, tx.events); err != nil {
		tx.rollback()
		metrics.Transactions.WithLabelValues(op, "failed").Inc()
		slog.Error("commit failed", "op", op, "err", err)
		return fmt.Errorf("commit %s: %w", op, err)
	}
	l.state = clone
	metrics.Transactions.WithLabelValues(op, "committed").Inc()
	l.observe()
	slog.Info(op+" committed", "op", op, "version", clone.Version, "events", len(tx.events))

	if len(tx.events) > 0 {
		for _, sub := range l.subscribers {
			sub(tx.events)
		}
	}
	return nil
}

// View runs fn against the committed state. fn must not mutate or retain it.
func (l *Ledger) View(fn func(s *model.State) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.state)
}

// Snapshot returns a deep copy of the committed state.
func (l *Ledger) Snapshot() (*model.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

func (l *Ledger) observe() {
	metrics.QueueDepth.WithLabelValues("cash_liquidation").Set(float64(len(l.state.Cash.LiquidationQueue)))
	metrics.QueueDepth.WithLabelValues("cash_purchase").Set(float64(len(l.state.Cash.PurchaseQueue)))
	metrics.QueueDepth.WithLabelValues("investment_liquidation").Set(float64(len(l.state.Investment.LiquidationQueue)))
	if l.state.Cash.Reservation != nil {
		metrics.ReservationOpen.Set(1)
	} else {
		metrics.ReservationOpen.Set(0)
	}
}

// Tx is one in-flight transaction.
type Tx struct {
	Ctx   context.Context
	State *model.State
	Now   time.Time

	events []model.Event
	undo   []func()
}

// Emit records an event that is journaled if the transaction commits.
func (tx *Tx) Emit(kind model.EventKind, asset model.AssetID, user string, amount *uint256.Int, detail string) {
	e := model.NewEvent(kind, tx.Now)
	e.Asset = asset
	e.User = user
	if amount != nil {
		e.Amount = amount.Clone()
	}
	e.Detail = detail
	tx.events = append(tx.events, e)
}

// OnRollback registers fn to undo an external side effect if the
// transaction does not commit.
func (tx *Tx) OnRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}
