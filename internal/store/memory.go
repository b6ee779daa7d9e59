package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/atmx/fund-engine/internal/model"
)

// MemoryStore implements Store in process memory. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	state   []byte
	version uint64
	events  []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadState(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return model.NewState(), nil
	}
	return model.DecodeState(s.state)
}

func (s *MemoryStore) SaveState(_ context.Context, state *model.State, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.Version != s.version+1 {
		return fmt.Errorf("%w: stored %d, saving %d", ErrVersionConflict, s.version, state.Version)
	}
	// Store an encoded copy to avoid external mutation.
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	s.state = data
	s.version = state.Version
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, kind model.EventKind, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.events, limit, func(e model.Event) bool {
		return kind == "" || e.Kind == kind
	}), nil
}

func (s *MemoryStore) ListUserEvents(_ context.Context, user string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.events, limit, func(e model.Event) bool {
		return e.User == user
	}), nil
}

func newestFirst(events []model.Event, limit int, keep func(model.Event) bool) []model.Event {
	result := []model.Event{}
	for i := len(events) - 1; i >= 0; i-- {
		if !keep(events[i]) {
			continue
		}
		result = append(result, events[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}
