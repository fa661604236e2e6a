package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Tokens replenish continuously at a fixed
// rate up to the burst capacity, so short request bursts are absorbed while
// the sustained rate stays bounded.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter allowing perMinute operations per minute
// with a burst of one.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstLimiter(perMinute, 1)
}

// NewBurstLimiter creates a limiter allowing perMinute operations per minute
// with up to burst operations back to back. The bucket starts full.
func NewBurstLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// refill credits tokens for the time elapsed since the last call. Callers
// must hold mu.
func (rl *RateLimiter) refill(now time.Time) {
	rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.last = now
}

// Allow consumes a token if one is available without blocking.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill(time.Now())
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		// Sleep just long enough for the next token to accrue.
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
