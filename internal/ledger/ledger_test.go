package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, st Store) *Ledger {
	t.Helper()
	l, err := New(context.Background(), st, NewManualClock(epoch))
	require.NoError(t, err)
	return l
}

func TestUpdate_Commits(t *testing.T) {
	mem := store.NewMemoryStore()
	l := newLedger(t, mem)

	var got []model.Event
	l.Subscribe(func(events []model.Event) { got = append(got, events...) })

	err := l.Update(context.Background(), "deposit", func(tx *Tx) error {
		assert.Equal(t, epoch, tx.Now)
		tx.State.Cash.Holdings["USDC"] = uint256.NewInt(10)
		tx.Emit(model.EventDeposited, "USDC", "alice", uint256.NewInt(10), "")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, l.View(func(s *model.State) error {
		assert.Equal(t, uint64(10), s.Cash.Holdings["USDC"].Uint64())
		assert.Equal(t, uint64(1), s.Version)
		return nil
	}))

	require.Len(t, got, 1)
	assert.Equal(t, model.EventDeposited, got[0].Kind)
	assert.Equal(t, epoch, got[0].At)

	persisted, err := mem.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), persisted.Cash.Holdings["USDC"].Uint64())
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	l := newLedger(t, store.NewMemoryStore())
	boom := errors.New("boom")

	undone := false
	err := l.Update(context.Background(), "deposit", func(tx *Tx) error {
		tx.State.Cash.Holdings["USDC"] = uint256.NewInt(10)
		tx.OnRollback(func() { undone = true })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, undone)

	require.NoError(t, l.View(func(s *model.State) error {
		assert.Empty(t, s.Cash.Holdings)
		assert.Equal(t, uint64(0), s.Version)
		return nil
	}))
}

type failingStore struct{ *store.MemoryStore }

func (failingStore) SaveState(context.Context, *model.State, []model.Event) error {
	return errors.New("disk full")
}

func TestUpdate_StoreFailureDiscardsState(t *testing.T) {
	l := newLedger(t, failingStore{store.NewMemoryStore()})

	notified := false
	l.Subscribe(func([]model.Event) { notified = true })

	err := l.Update(context.Background(), "deposit", func(tx *Tx) error {
		tx.State.Pool.TotalSupply = uint256.NewInt(1)
		tx.Emit(model.EventDeposited, "", "alice", nil, "")
		return nil
	})
	require.Error(t, err)
	assert.False(t, notified)

	snap, err := l.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, snap.Pool.TotalSupply)
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(epoch)
	c.Advance(time.Hour)
	assert.Equal(t, epoch.Add(time.Hour), c.Now())
	c.Set(epoch)
	assert.Equal(t, epoch, c.Now())
}
