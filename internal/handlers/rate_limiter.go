package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow(key string) bool
}

// keyedLimiter keeps one token bucket per key, e.g. per webhook provider. A bucket holds
// limit tokens and refills over window.
type keyedLimiter struct {
	limit   int
	every   rate.Limit
	window  time.Duration
	clock   func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyedLimiter returns nil when limit or window is not positive.
func newKeyedLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedLimiter{
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		window:  window,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *keyedLimiter) Allow(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		l.evictIdle(now)
		b = &bucket{limiter: rate.NewLimiter(l.every, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// evictIdle drops buckets untouched for a full window; they would be full again anyway.
func (l *keyedLimiter) evictIdle(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.window {
			delete(l.buckets, key)
		}
	}
}
