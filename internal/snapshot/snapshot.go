// Package snapshot persists last-known cache values so they can be shown before the first
// refresh completes. Supports a local file backend and Redis for shared deployments.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store defines the interface for snapshot storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the snapshot stored under key.
	// Returns nil, nil if no snapshot exists yet.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the snapshot under key, replacing any previous one.
	Set(ctx context.Context, key string, data []byte) error

	// Delete removes the snapshot stored under key.
	Delete(ctx context.Context, key string) error

	// Clear removes every snapshot.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Backend types.
const (
	TypeNone  = "none"
	TypeLocal = "local"
	TypeRedis = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Type  string
	Path  string
	Redis RedisConfig
}

// New creates the configured store. It returns nil, nil for TypeNone or an empty type.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeNone:
		return nil, nil
	case TypeLocal:
		return NewLocalStore(cfg.Path), nil
	case TypeRedis:
		store, err := NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshot store type: %q", cfg.Type)
	}
}

// record is the persisted envelope of one snapshot.
type record struct {
	SavedAt time.Time `json:"saved_at"`
	Data    []byte    `json:"data"`
}
