package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one request against its window
// budget. Remaining and ResetAt feed the 429 response headers.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter throttles API requests per key. The API keys requests by
// tenant plus client IP so one noisy tenant cannot starve the rest.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a fixed-window counter for single-instance
// deployments. It also backs RedisLimiter when redis is unreachable.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*bucket
	ops     int
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, buckets: map[string]*bucket{}}
}

// Allow counts the request and decides. A non-positive limit degrades
// to one request per window, never to unlimited.
func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops++
	if l.ops%256 == 0 {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}
	b.count++
	return decide(b.count, limit, b.resetAt)
}

// sweep drops expired buckets so keys from one-off clients do not
// accumulate. Correctness only needs the per-key expiry check above.
func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
