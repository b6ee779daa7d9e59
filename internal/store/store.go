// Package store defines the persistence interface for the fund engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/model"
)

// ErrVersionConflict is returned when a state is saved on top of a version
// other than the one it was derived from.
var ErrVersionConflict = apperrors.New(apperrors.StateConflict, "store: state version conflict")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Engine state ---

	// LoadState returns the last committed state, or a fresh one.
	LoadState(ctx context.Context) (*model.State, error)

	// SaveState persists state and appends events in one step. The stored
	// version must equal state.Version-1.
	SaveState(ctx context.Context, state *model.State, events []model.Event) error

	// --- Immutable journal ---

	// ListEvents returns the newest events, optionally filtered by kind.
	// An empty kind matches every event; limit <= 0 means no limit.
	ListEvents(ctx context.Context, kind model.EventKind, limit int) ([]model.Event, error)

	// ListUserEvents returns the newest events for one user.
	ListUserEvents(ctx context.Context, user string, limit int) ([]model.Event, error)
}
