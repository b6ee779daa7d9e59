package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/fund-engine/internal/model"
)

// SnapshotCache holds the latest published price snapshot.
type SnapshotCache interface {
	Publish(ctx context.Context, snap model.PriceSnapshot) error
	Latest(ctx context.Context) (model.PriceSnapshot, bool, error)
}

// MemorySnapshotCache keeps the snapshot in process memory.
type MemorySnapshotCache struct {
	mu   sync.RWMutex
	snap model.PriceSnapshot
	ok   bool
}

func NewMemorySnapshotCache() *MemorySnapshotCache {
	return &MemorySnapshotCache{}
}

func (c *MemorySnapshotCache) Publish(_ context.Context, snap model.PriceSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap, c.ok = snap, true
	return nil
}

func (c *MemorySnapshotCache) Latest(_ context.Context) (model.PriceSnapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.ok, nil
}

// RedisSnapshotCache shares the snapshot between engine replicas and
// read-only API nodes.
type RedisSnapshotCache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisSnapshotCache stores the snapshot under key. A zero ttl keeps it
// until the next publish.
func NewRedisSnapshotCache(rdb *redis.Client, key string, ttl time.Duration) *RedisSnapshotCache {
	if key == "" {
		key = "fund:prices:latest"
	}
	return &RedisSnapshotCache{rdb: rdb, key: key, ttl: ttl}
}

func (c *RedisSnapshotCache) Publish(ctx context.Context, snap model.PriceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key, data, c.ttl).Err()
}

func (c *RedisSnapshotCache) Latest(ctx context.Context) (model.PriceSnapshot, bool, error) {
	data, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PriceSnapshot{}, false, nil
	}
	if err != nil {
		return model.PriceSnapshot{}, false, err
	}
	var snap model.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.PriceSnapshot{}, false, err
	}
	return snap, true, nil
}
