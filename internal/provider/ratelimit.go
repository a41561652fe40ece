package provider

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for throttling paid generation calls.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 3
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 10
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Limited gates image calls of a Backend behind a RateLimiter. Prompt expansion
// is cheap and passes through.
type Limited struct {
	Backend
	limiter *RateLimiter
}

func NewLimited(b Backend, limiter *RateLimiter) *Limited {
	return &Limited{Backend: b, limiter: limiter}
}

func (l *Limited) Create(ctx context.Context, prompt string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Backend.Create(ctx, prompt)
}

func (l *Limited) Edit(ctx context.Context, prompt, seedPath string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Backend.Edit(ctx, prompt, seedPath)
}
