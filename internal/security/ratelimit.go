package security

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleEviction is how long an untouched bucket survives before sweep.
const idleEviction = time.Hour

// RateLimiter keeps one token bucket per key (principal or channel+sender).
// Buckets refill continuously at rps and cap at burst. Keys idle for an
// hour are evicted to keep the map bounded.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the given steady rate and burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
		lastGC:  time.Now(),
	}
}

// Allow consumes one token for key. When the bucket is empty it returns
// false and the duration until a token becomes available.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := time.Now()

	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r.rps, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	if now.Sub(r.lastGC) > idleEviction {
		r.sweepLocked(now)
	}
	r.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, ceilSecond(delay)
	}
	return true, 0
}

// sweepLocked drops buckets untouched for idleEviction.
func (r *RateLimiter) sweepLocked(now time.Time) {
	for k, b := range r.buckets {
		if now.Sub(b.lastSeen) > idleEviction {
			delete(r.buckets, k)
		}
	}
	r.lastGC = now
}

// Size returns the number of live buckets.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// ceilSecond rounds up so retry_after never tells a client to retry early.
func ceilSecond(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
