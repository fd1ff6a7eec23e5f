package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// maxTrackedIPs bounds the bucket map; past it the whole map is dropped,
// which only resets counters for a window.
const maxTrackedIPs = 10000

// RateLimiter applies a per-client-IP token bucket across the API.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*ratelimit.Bucket
	fillEach time.Duration
	capacity int64
}

func NewRateLimiter(window time.Duration, maxRequests int64) *RateLimiter {
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxRequests <= 0 {
		maxRequests = 300
	}
	return &RateLimiter{
		buckets:  make(map[string]*ratelimit.Bucket),
		fillEach: window / time.Duration(maxRequests),
		capacity: maxRequests,
	}
}

func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	if len(l.buckets) > maxTrackedIPs {
		l.buckets = make(map[string]*ratelimit.Bucket)
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = ratelimit.NewBucket(l.fillEach, l.capacity)
		l.buckets[ip] = b
	}
	l.mu.Unlock()
	return b.TakeAvailable(1) > 0
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.Allow(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
