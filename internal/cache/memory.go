package cache

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is a process-local Cache. It only coordinates within one
// process; deployments with several workers need RedisCache. Expired
// entries are dropped on read and by Sweep.
type MemoryCache struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryCache{clock: clk, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) live(key string, now time.Time) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key, c.clock.Now())
	return e.value, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.expiry(now, ttl)}
	return nil
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if _, ok := c.live(key, now); ok {
		return false, nil
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: c.expiry(now, ttl)}
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

// Sweep removes every expired entry and returns how many it dropped.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	dropped := 0
	for key := range c.entries {
		if _, ok := c.live(key, now); !ok {
			dropped++
		}
	}
	return dropped
}

// Run calls Sweep every interval until stop is closed.
func (c *MemoryCache) Run(interval time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-c.clock.After(interval):
			c.Sweep()
		case <-stop:
			return
		}
	}
}
