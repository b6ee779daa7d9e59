package store

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/model"
)

func TestMemoryStore_LoadEmpty(t *testing.T) {
	st, err := NewMemoryStore().LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Version)
	assert.NotNil(t, st.Cash.Holdings)
}

func TestMemoryStore_SaveIsOptimistic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	st := model.NewState()
	st.Version = 1
	st.Cash.Holdings["USDC"] = uint256.NewInt(5)
	require.NoError(t, s.SaveState(ctx, st, nil))

	// Saving the same version again means another writer won.
	err := s.SaveState(ctx, st, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Mutating the caller's copy does not leak into the store.
	st.Cash.Holdings["USDC"].SetUint64(99)
	loaded, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.Cash.Holdings["USDC"].Uint64())
	assert.Equal(t, uint64(1), loaded.Version)
}

func TestMemoryStore_Events(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	st := model.NewState()
	st.Version = 1
	dep := model.NewEvent(model.EventDeposited, at)
	dep.User = "alice"
	req := model.NewEvent(model.EventRedeemRequested, at)
	req.User = "alice"
	built := model.NewEvent(model.EventQueuesBuilt, at)
	require.NoError(t, s.SaveState(ctx, st, []model.Event{dep, req, built}))

	all, err := s.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, model.EventQueuesBuilt, all[0].Kind, "newest first")

	deposits, err := s.ListEvents(ctx, model.EventDeposited, 10)
	require.NoError(t, err)
	assert.Len(t, deposits, 1)

	user, err := s.ListUserEvents(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, user, 1)
	assert.Equal(t, model.EventRedeemRequested, user[0].Kind)
}
