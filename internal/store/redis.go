package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/fund-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) SaveState(ctx context.Context, state *model.State, events []model.Event) error {
	if err := s.primary.SaveState(ctx, state, events); err != nil {
		// The cached copy may be the one that lost the race.
		s.rdb.Del(ctx, stateKey)
		return err
	}
	s.cacheState(ctx, state)

	if len(events) > 0 {
		keys := []string{eventsKey}
		for _, e := range events {
			if e.User != "" {
				keys = append(keys, userEventsKey(e.User))
			}
		}
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadState(ctx context.Context) (*model.State, error) {
	data, err := s.rdb.Get(ctx, stateKey).Bytes()
	if err == nil {
		if st, err := model.DecodeState(data); err == nil {
			return st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheState(ctx, st)
	return st, nil
}

func (s *CachedStore) ListEvents(ctx context.Context, kind model.EventKind, limit int) ([]model.Event, error) {
	field := string(kind) + ":" + strconv.Itoa(limit)
	return s.cachedEvents(ctx, eventsKey, field, func() ([]model.Event, error) {
		return s.primary.ListEvents(ctx, kind, limit)
	})
}

func (s *CachedStore) ListUserEvents(ctx context.Context, user string, limit int) ([]model.Event, error) {
	return s.cachedEvents(ctx, userEventsKey(user), strconv.Itoa(limit), func() ([]model.Event, error) {
		return s.primary.ListUserEvents(ctx, user, limit)
	})
}

// --- Cache helpers ---

// cachedEvents keeps each event listing as a field of one hash so a single
// DEL invalidates every variant.
func (s *CachedStore) cachedEvents(ctx context.Context, key, field string, load func() ([]model.Event, error)) ([]model.Event, error) {
	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(events); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		pipe.Exec(ctx)
	}
	return events, nil
}

func (s *CachedStore) cacheState(ctx context.Context, st *model.State) {
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, stateKey, data, s.ttl)
	}
}

const (
	stateKey  = "fund:state"
	eventsKey = "fund:events"
)

func userEventsKey(user string) string { return fmt.Sprintf("fund:events:user:%s", user) }
