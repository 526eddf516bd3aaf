package cache

import (
	"sync"
	"time"
)

// RateLimiter is a fixed window counter per key
type RateLimiter struct {
	mu       sync.Mutex
	counters map[string]*rateLimitCounter
	limit    int
	window   time.Duration
	now      func() time.Time
}

type rateLimitCounter struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counters: make(map[string]*rateLimitCounter),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow consumes one request for key if the current window has room
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	counter, exists := rl.counters[key]

	if !exists || now.Sub(counter.windowStart) >= rl.window {
		rl.counters[key] = &rateLimitCounter{
			count:       1,
			windowStart: now,
		}
		rl.prune(now)
		return rl.limit > 0
	}

	if counter.count < rl.limit {
		counter.count++
		return true
	}
	return false
}

// RetryAfter is the time left until key's window resets
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	counter, ok := rl.counters[key]
	if !ok {
		return 0
	}
	left := rl.window - rl.now().Sub(counter.windowStart)
	if left < 0 {
		return 0
	}
	return left
}

func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.counters, key)
}

// prune drops stale windows; caller holds mu
func (rl *RateLimiter) prune(now time.Time) {
	for key, counter := range rl.counters {
		if now.Sub(counter.windowStart) > rl.window*2 {
			delete(rl.counters, key)
		}
	}
}
