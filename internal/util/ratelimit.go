package util

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate. A nil *RateLimiter never blocks.
type RateLimiter struct {
	clock    quartz.Clock
	rate     float64 // tokens per second
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. It returns nil (unlimited) when perMinute is not positive.
func NewRateLimiter(clock quartz.Clock, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RateLimiter{
		clock:    clock,
		rate:     float64(perMinute) / 60.0,
		tokens:   1, // start with one token available
		lastTime: clock.Now(),
	}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	for {
		rl.mu.Lock()
		now := rl.clock.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens -= 1
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := rl.clock.NewTimer(wait, "ratelimit")
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
