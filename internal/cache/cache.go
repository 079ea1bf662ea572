// Package cache is the key/value layer used for read-through caches and for
// the idempotency markers that coordinate the live event path and the
// reconciliation workers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a key/value store with per-key expiry.
type Cache interface {
	// Get returns the value and true, or "" and false when absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// GetJSON decodes the cached value at key into dst. It reports false on a miss
// or when the cached payload cannot be decoded.
func GetJSON(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, nil
	}
	return true, nil
}

func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return c.Set(ctx, key, string(b), ttl)
}

// InvalidateIdentity drops every read-through entry derived from the
// streaks of the given pubkeys.
func InvalidateIdentity(ctx context.Context, c Cache, pubkeys ...string) error {
	keys := make([]string, 0, len(pubkeys)*2)
	for _, pk := range pubkeys {
		if pk == "" {
			continue
		}
		keys = append(keys, ActiveStreaksKey(pk), SoloStreaksKey(pk))
	}
	if len(keys) == 0 {
		return nil
	}
	return c.Delete(ctx, keys...)
}
