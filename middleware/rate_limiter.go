package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key (client IP, DM sender).
// Buckets idle for longer than idle are dropped by Cleanup.
type KeyedLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	clock clock.Clock

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewKeyedLimiter(limit rate.Limit, burst int, clk clock.Clock) *KeyedLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &KeyedLimiter{
		limit:    limit,
		burst:    burst,
		idle:     3 * time.Minute,
		clock:    clk,
		visitors: make(map[string]*visitor),
	}
}

// PerMinute builds a limiter allowing n events per minute with a burst of n.
func PerMinute(n int, clk clock.Clock) *KeyedLimiter {
	if n < 1 {
		n = 1
	}
	return NewKeyedLimiter(rate.Every(time.Minute/time.Duration(n)), n, clk)
}

func (k *KeyedLimiter) Allow(key string) bool {
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()

	v, exists := k.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (k *KeyedLimiter) Cleanup() {
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, v := range k.visitors {
		if now.Sub(v.lastSeen) > k.idle {
			delete(k.visitors, key)
		}
	}
}

// Run calls Cleanup every minute until stop is closed.
func (k *KeyedLimiter) Run(stop <-chan struct{}) {
	for {
		select {
		case <-k.clock.After(time.Minute):
			k.Cleanup()
		case <-stop:
			return
		}
	}
}

func (k *KeyedLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		if !k.Allow(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
