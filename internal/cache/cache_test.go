package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func exerciseCache(t *testing.T, c Cache, advance func(time.Duration)) {
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	won, err := c.SetNX(ctx, "lock", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = c.SetNX(ctx, "lock", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	advance(2 * time.Minute)

	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired key should be absent")
	won, err = c.SetNX(ctx, "lock", "3", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "expired lock can be re-acquired")

	require.NoError(t, c.Delete(ctx, "lock"))
	_, ok, err = c.Get(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Ping(ctx))
}

func TestMemoryCache(t *testing.T) {
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	exerciseCache(t, NewMemoryCache(clk), func(d time.Duration) { clk.Advance(d) })
}

func TestRedisCache(t *testing.T) {
	c, mr := newRedis(t)
	exerciseCache(t, c, mr.FastForward)
}

func TestSetNXSingleWinnerUnderContention(t *testing.T) {
	c := NewMemoryCache(nil)
	key := ReminderLockKey(uuid.New(), time.Now(), "pk")

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetNX(context.Background(), key, "1", LockTTL); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestJSONHelpersAndInvalidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedis(t)

	type row struct{ N int }
	require.NoError(t, SetJSON(ctx, c, ActiveStreaksKey("alice"), []row{{1}, {2}}, ReadThruTTL))
	require.NoError(t, SetJSON(ctx, c, SoloStreaksKey("alice"), []row{{3}}, ReadThruTTL))

	var got []row
	ok, err := GetJSON(ctx, c, ActiveStreaksKey("alice"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []row{{1}, {2}}, got)

	require.NoError(t, c.Set(ctx, SoloStreaksKey("bob"), "{not json", ReadThruTTL))
	ok, err = GetJSON(ctx, c, SoloStreaksKey("bob"), &got)
	require.NoError(t, err)
	assert.False(t, ok, "undecodable entry behaves as a miss")

	require.NoError(t, InvalidateIdentity(ctx, c, "alice", ""))
	ok, _ = GetJSON(ctx, c, ActiveStreaksKey("alice"), &got)
	assert.False(t, ok)
	ok, _ = GetJSON(ctx, c, SoloStreaksKey("alice"), &got)
	assert.False(t, ok)
}

func TestKeysAreDistinctPerWindowAndTarget(t *testing.T) {
	id := uuid.New()
	d1 := time.Unix(1700000000, 0)
	d2 := d1.Add(24 * time.Hour)

	assert.NotEqual(t, WindowKey(id, &d1), WindowKey(id, &d2))
	assert.NotEqual(t, WindowKey(id, nil), WindowKey(id, &d1))
	assert.Contains(t, WindowKey(id, nil), "initial")
	assert.NotEqual(t, ReminderLockKey(id, d1, "a"), ReminderLockKey(id, d1, "b"))
	assert.NotEqual(t, ReminderLockKey(id, d1, "a"), BreakPostLockKey(id, d1, "a"))
}

func TestMemoryCacheSweepDropsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryCache(clk)
	for i := 0; i < 5; i++ {
		ok, err := c.SetNX(ctx, EventKey(uuid.NewString()), "1", EventTTL)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, c.Set(ctx, "forever", "1", 0))

	assert.Equal(t, 0, c.Sweep())
	clk.Advance(EventTTL)
	assert.Equal(t, 5, c.Sweep())

	c.mu.Lock()
	assert.Len(t, c.entries, 1)
	c.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.Run(time.Minute, stop)
		close(done)
	}()
	require.NoError(t, c.Set(ctx, "short", "1", time.Second))
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.entries["short"]
		return !ok
	}, time.Second, 5*time.Millisecond)
	close(stop)
	<-done
}
