// Package snapshot persists the element state of a room so an evicted or
// restarted server can rehydrate the board. Purely best-effort; the CRDT
// document remains the source of truth while a room is live.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores per-room element snapshots in redis. A nil *Cache is a valid
// no-op, so callers never need to branch on whether persistence is enabled.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a snapshot cache. ttl of zero means snapshots never expire.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "drawbridge:"
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(roomID string) string { return c.prefix + "snapshot:" + roomID }

// SaveElements writes the room's current elements. No-op on a nil cache.
func (c *Cache) SaveElements(ctx context.Context, roomID string, elements []json.RawMessage) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(elements)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(roomID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", roomID, err)
	}
	return nil
}

// LoadElements returns the stored elements, or nil when none exist.
func (c *Cache) LoadElements(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.client.Get(ctx, c.key(roomID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", roomID, err)
	}
	return elements, nil
}
