package relay

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// idleBucketAge is how long a full bucket is kept before it is forgotten.
const idleBucketAge = 10 * time.Minute

type tokenBucket struct {
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func newTokenBucket(ratePerSec float64, burst int, now time.Time) *tokenBucket {
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens: float64(burst),
		last:   now,
		rate:   ratePerSec,
		burst:  float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	clk     clock.Clock
	buckets map[string]*tokenBucket
	rate    float64
	burst   int
}

// newIPLimiter allows perMin joins per minute per IP. perMin <= 0 disables it.
func newIPLimiter(perMin, burst int, clk clock.Clock) *ipLimiter {
	rate := float64(perMin) / 60.0
	if perMin <= 0 {
		rate = 0
	}
	return &ipLimiter{
		clk:     clk,
		buckets: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   burst,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	if l.rate <= 0 || ip == "" {
		return true
	}
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = newTokenBucket(l.rate, l.burst, now)
		l.buckets[ip] = bucket
	}
	return bucket.allow(now)
}

// prune forgets buckets that have been idle long enough to be full again.
func (l *ipLimiter) prune() int {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, b := range l.buckets {
		if now.Sub(b.last) < idleBucketAge {
			continue
		}
		b.refill(now)
		if b.tokens >= b.burst {
			delete(l.buckets, ip)
			n++
		}
	}
	return n
}

type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newConnLimiter(limit int) *connLimiter {
	return &connLimiter{limit: limit}
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
