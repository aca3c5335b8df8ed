package limits

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ConnectionLimiter limits concurrent connections per IP address.
type ConnectionLimiter struct {
	maxPerIP    int
	connections sync.Map // map[string]*atomic.Int32

	totalBlocked atomic.Int64
	totalAllowed atomic.Int64
}

// NewConnectionLimiter creates a limiter; a non-positive max means 100.
func NewConnectionLimiter(maxPerIP int) *ConnectionLimiter {
	if maxPerIP <= 0 {
		maxPerIP = 100
	}
	return &ConnectionLimiter{maxPerIP: maxPerIP}
}

// Acquire takes a connection slot for ip. It returns false when ip is at
// its limit.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	counter, _ := cl.connections.LoadOrStore(ip, &atomic.Int32{})
	c := counter.(*atomic.Int32)

	for {
		cur := c.Load()
		if int(cur) >= cl.maxPerIP {
			cl.totalBlocked.Add(1)
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			cl.totalAllowed.Add(1)
			return true
		}
	}
}

// Release gives back a slot of ip.
func (cl *ConnectionLimiter) Release(ip string) {
	if counter, ok := cl.connections.Load(ip); ok {
		c := counter.(*atomic.Int32)
		if c.Add(-1) <= 0 {
			cl.connections.Delete(ip)
		}
	}
}

// Count returns the open connections of ip.
func (cl *ConnectionLimiter) Count(ip string) int {
	if counter, ok := cl.connections.Load(ip); ok {
		return int(counter.(*atomic.Int32).Load())
	}
	return 0
}

// TotalBlocked returns the number of refused connections.
func (cl *ConnectionLimiter) TotalBlocked() int64 {
	return cl.totalBlocked.Load()
}

// TotalAllowed returns the number of accepted connections.
func (cl *ConnectionLimiter) TotalAllowed() int64 {
	return cl.totalAllowed.Load()
}

// ClientIP returns the peer address of r. Forwarding headers are honoured
// only when the peer is one of trustedProxies.
func ClientIP(r *http.Request, trustedProxies []string) string {
	direct, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		direct = r.RemoteAddr
	}
	trusted := false
	for _, p := range trustedProxies {
		if p == direct {
			trusted = true
			break
		}
	}
	if !trusted {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return direct
}

// IPKeyFunc keys requests by ClientIP.
func IPKeyFunc(trustedProxies []string) func(*http.Request) string {
	return func(r *http.Request) string {
		return ClientIP(r, trustedProxies)
	}
}
