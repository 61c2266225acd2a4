package gateway

import (
	"net"
	"sync"
	"time"
)

// rateLimiter is a token bucket over one connection's inbound messages.
// Only the connection's read loop uses it.
type rateLimiter struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
}

// newRateLimiter returns nil, meaning unlimited, when rate is not positive.
func newRateLimiter(rate float64, burst int, now time.Time) *rateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{rate: rate, burst: burst, tokens: float64(burst), last: now}
}

func (r *rateLimiter) allow(now time.Time) bool {
	if r == nil {
		return true
	}

	r.tokens += now.Sub(r.last).Seconds() * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.last = now

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// connLimiter caps concurrent connections in total and per client address.
// Zero limits are unlimited.
type connLimiter struct {
	mu       sync.Mutex
	current  int
	max      int
	perIP    map[string]int
	maxPerIP int
}

func newConnLimiter(max, maxPerIP int) *connLimiter {
	return &connLimiter{max: max, maxPerIP: maxPerIP, perIP: make(map[string]int)}
}

func (l *connLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.current >= l.max {
		return false
	}
	if l.maxPerIP > 0 && l.perIP[ip] >= l.maxPerIP {
		return false
	}
	l.current++
	l.perIP[ip]++
	return true
}

func (l *connLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
	if l.perIP[ip] > 0 {
		l.perIP[ip]--
		if l.perIP[ip] == 0 {
			delete(l.perIP, ip)
		}
	}
}

func (l *connLimiter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
