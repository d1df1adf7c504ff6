package querycache

import (
	"context"
	"encoding/json"
	"time"
)

// SnapshotStore persists raw entry values between process runs.
// Get returns nil data and a nil error when key is absent.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Clear(ctx context.Context) error
}

// Decoder turns a persisted snapshot back into an entry value.
type Decoder func(data []byte) (any, error)

const snapshotWriteTimeout = 5 * time.Second

// Persist registers key for snapshotting. Every successful load of key is written to the
// snapshot store and Hydrate uses decode to restore it.
func (c *Cache) Persist(key Key, decode Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persisted[key] = decode
}

// Hydrate restores persisted keys that have not been loaded yet. Restored entries stay idle and
// stale so the first Fetch still reaches the server. Missing or undecodable snapshots are skipped.
func (c *Cache) Hydrate(ctx context.Context) error {
	if c.snapshots == nil {
		return nil
	}

	c.mu.Lock()
	decoders := make(map[Key]Decoder, len(c.persisted))
	for k, d := range c.persisted {
		decoders[k] = d
	}
	c.mu.Unlock()

	for key, decode := range decoders {
		data, err := c.snapshots.Get(ctx, key.String())
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		value, err := decode(data)
		if err != nil {
			c.logger.Warn("skipping undecodable snapshot", "key", key.String(), "error", err)
			continue
		}

		c.mu.Lock()
		s := c.slotLocked(key)
		if s.settledTicket != 0 || s.entry.HasValue() {
			c.mu.Unlock()
			continue
		}
		s.entry.Value = value
		s.entry.Stale = true
		s.entry.LastUpdated = time.Now()
		n := notification{entry: s.entry, listeners: s.listeners()}
		c.mu.Unlock()

		c.logger.Debug("hydrated cache entry from snapshot", "key", key.String())
		n.deliver()
	}
	return nil
}

func (c *Cache) saveSnapshot(ctx context.Context, key Key, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to encode snapshot", "key", key.String(), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotWriteTimeout)
	defer cancel()
	if err := c.snapshots.Set(ctx, key.String(), data); err != nil {
		c.logger.Warn("failed to write snapshot", "key", key.String(), "error", err)
	}
}
