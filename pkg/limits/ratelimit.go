// Package limits bounds how hard a single client can drive the live host:
// connections per IP and events per session.
package limits

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when a key has no tokens left.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// KeyedLimiter keeps one token bucket per key. Buckets idle for longer than
// the idle timeout are dropped.
type KeyedLimiter struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows perSecond events per key with bursts of burst.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    3 * time.Minute,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Allow spends one token of key.
func (kl *KeyedLimiter) Allow(key string) bool {
	return kl.limiter(key).AllowN(kl.now(), 1)
}

// Check is Allow returning ErrRateLimitExceeded.
func (kl *KeyedLimiter) Check(key string) error {
	if !kl.Allow(key) {
		return ErrRateLimitExceeded
	}
	return nil
}

// Forget drops the bucket of key.
func (kl *KeyedLimiter) Forget(key string) {
	kl.mu.Lock()
	delete(kl.clients, key)
	kl.mu.Unlock()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.clients)
}

func (kl *KeyedLimiter) limiter(key string) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	c, ok := kl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.clients[key] = c
	}
	c.lastSeen = kl.now()
	return c.limiter
}

// Sweep drops idle buckets.
func (kl *KeyedLimiter) Sweep() {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	now := kl.now()
	for key, c := range kl.clients {
		if now.Sub(c.lastSeen) > kl.idle {
			delete(kl.clients, key)
		}
	}
}

// Run sweeps every minute until ctx is done.
func (kl *KeyedLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kl.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Middleware rejects requests over the limit with 429. Keys come from
// keyFunc.
func (kl *KeyedLimiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !kl.Allow(keyFunc(r)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
