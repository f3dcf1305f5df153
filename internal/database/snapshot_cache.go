package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
)

const (
	// snapshotKeyPrefix is the prefix for per-account snapshot keys.
	// Format: fleet:snapshot:{account}
	snapshotKeyPrefix = "fleet:snapshot"

	// snapshotSetKey holds the set of account names with stored snapshots.
	snapshotSetKey = "fleet:snapshots:list"

	// snapshotTTL bounds how long a stale snapshot survives. Anything
	// older than a day is useless for reconciliation.
	snapshotTTL = 24 * time.Hour
)

// SnapshotCache stores account snapshots in Redis so a restarted process
// can serve status and reconcile fills before its first live refresh.
// When Redis is unavailable it falls back to an in-memory map so the
// trading loop never blocks on persistence.
type SnapshotCache struct {
	client         *redis.Client
	mem            map[string]accounts.Snapshot
	memMu          sync.RWMutex
	redisAvailable atomic.Bool
	logger         zerolog.Logger
}

var _ accounts.SnapshotStore = (*SnapshotCache)(nil)

// NewSnapshotCache creates a snapshot cache. A nil client means
// memory-only mode.
func NewSnapshotCache(client *redis.Client, logger zerolog.Logger) *SnapshotCache {
	c := &SnapshotCache{
		client: client,
		mem:    make(map[string]accounts.Snapshot),
		logger: logger.With().Str("component", "snapshot_cache").Logger(),
	}

	if client == nil {
		c.logger.Info().Msg("no redis client, using in-memory cache only")
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis unavailable at startup, using in-memory cache")
	} else {
		c.redisAvailable.Store(true)
		c.logger.Info().Msg("redis connected")
	}
	return c
}

func snapshotKey(account string) string {
	return fmt.Sprintf("%s:%s", snapshotKeyPrefix, account)
}

// SaveSnapshot persists one account snapshot. Redis failures degrade to
// the in-memory copy without surfacing an error.
func (c *SnapshotCache) SaveSnapshot(ctx context.Context, snap accounts.Snapshot) error {
	c.memMu.Lock()
	c.mem[snap.Name] = snap
	c.memMu.Unlock()

	if c.client == nil || !c.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot cache: marshal %s: %w", snap.Name, err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.Name), data, snapshotTTL)
	pipe.SAdd(ctx, snapshotSetKey, snap.Name)
	pipe.Expire(ctx, snapshotSetKey, snapshotTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Str("account", snap.Name).
			Msg("redis save failed, keeping in-memory copy")
		c.redisAvailable.Store(false)
	}
	return nil
}

// LoadSnapshots returns all stored snapshots, preferring Redis and
// falling back to the in-memory copies.
func (c *SnapshotCache) LoadSnapshots(ctx context.Context) ([]accounts.Snapshot, error) {
	if c.client != nil && c.redisAvailable.Load() {
		names, err := c.client.SMembers(ctx, snapshotSetKey).Result()
		if err != nil && err != redis.Nil {
			c.logger.Warn().Err(err).Msg("redis read failed, using in-memory cache")
			c.redisAvailable.Store(false)
			return c.fromMemory(), nil
		}

		out := make([]accounts.Snapshot, 0, len(names))
		for _, name := range names {
			data, err := c.client.Get(ctx, snapshotKey(name)).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				c.logger.Warn().Err(err).Str("account", name).Msg("snapshot read failed")
				continue
			}
			var snap accounts.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				c.logger.Warn().Err(err).Str("account", name).Msg("snapshot decode failed")
				continue
			}
			out = append(out, snap)
		}
		return out, nil
	}

	return c.fromMemory(), nil
}

// IsRedisAvailable reports whether the last Redis operation succeeded.
func (c *SnapshotCache) IsRedisAvailable() bool {
	return c.redisAvailable.Load()
}

// CheckConnection pings Redis and updates availability. On recovery the
// in-memory copies are pushed back out.
func (c *SnapshotCache) CheckConnection(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("snapshot cache: no redis client configured")
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.redisAvailable.Store(false)
		return fmt.Errorf("snapshot cache: ping: %w", err)
	}

	recovered := !c.redisAvailable.Load()
	c.redisAvailable.Store(true)

	if recovered {
		c.logger.Info().Msg("redis connection recovered, syncing cached snapshots")
		c.syncMemory(ctx)
	}
	return nil
}

// syncMemory writes the in-memory copies back to Redis after an outage.
func (c *SnapshotCache) syncMemory(ctx context.Context) {
	c.memMu.RLock()
	snaps := make([]accounts.Snapshot, 0, len(c.mem))
	for _, snap := range c.mem {
		snaps = append(snaps, snap)
	}
	c.memMu.RUnlock()

	for _, snap := range snaps {
		if err := c.SaveSnapshot(ctx, snap); err != nil {
			c.logger.Warn().Err(err).Str("account", snap.Name).Msg("snapshot sync failed")
		}
	}
}

func (c *SnapshotCache) fromMemory() []accounts.Snapshot {
	c.memMu.RLock()
	defer c.memMu.RUnlock()

	out := make([]accounts.Snapshot, 0, len(c.mem))
	for _, snap := range c.mem {
		out = append(out, snap)
	}
	return out
}
