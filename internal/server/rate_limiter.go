package server

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket holding up to Burst tokens, refilled
// continuously at Burst tokens per RefillInterval. Each inbound frame costs
// one token.
type rateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return newRateLimiterWithClock(cfg, time.Now)
}

func newRateLimiterWithClock(cfg RateLimitConfig, now func() time.Time) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		now:      now,
		tokens:   float64(burst),
		capacity: float64(burst),
		perSec:   float64(burst) / interval.Seconds(),
		last:     now(),
	}
}

// allow takes a token if one is available.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// available returns the whole tokens left after refilling.
func (rl *rateLimiter) available() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	return int(rl.tokens)
}

func (rl *rateLimiter) refillLocked() {
	now := rl.now()
	if elapsed := now.Sub(rl.last).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.capacity, rl.tokens+elapsed*rl.perSec)
	}
	rl.last = now
}
