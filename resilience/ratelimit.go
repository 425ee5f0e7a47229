package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig configures the token-bucket rate limiter.
type RateLimiterConfig struct {
	// RatePerMinute is the number of operations allowed per minute.
	// Default: 1200 (the exchange's global request weight budget)
	RatePerMinute float64

	// Burst is the maximum burst size.
	// Default: 20
	Burst int

	// MaxWait is the maximum time Wait blocks for a token.
	// Default: 5 seconds
	MaxWait time.Duration
}

// RateLimiter implements a token bucket sized for the exchange's global
// request budget. All exchange client calls share one limiter.
type RateLimiter struct {
	config RateLimiterConfig
	perSec float64

	mu          sync.Mutex
	tokens      float64
	lastRefresh time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RatePerMinute <= 0 {
		config.RatePerMinute = 1200
	}
	if config.Burst <= 0 {
		config.Burst = 20
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 5 * time.Second
	}

	return &RateLimiter{
		config:      config,
		perSec:      config.RatePerMinute / 60,
		tokens:      float64(config.Burst),
		lastRefresh: time.Now(),
	}
}

// Allow reports whether a single request may proceed now.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available, the wait cap elapses, or the
// context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if rl.Allow() {
		return nil
	}

	rl.mu.Lock()
	needed := 1 - rl.tokens
	waitTime := time.Duration(needed / rl.perSec * float64(time.Second))
	rl.mu.Unlock()

	if waitTime > rl.config.MaxWait {
		waitTime = rl.config.MaxWait
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(waitTime):
		if rl.Allow() {
			return nil
		}
		return ErrRateLimitExceeded
	}
}

// Execute waits for a token and then runs the operation.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := rl.Wait(ctx); err != nil {
		return err
	}
	return op(ctx)
}

// Tokens returns the current number of available tokens.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked()
	return rl.tokens
}

func (rl *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefresh)
	rl.lastRefresh = now

	rl.tokens += elapsed.Seconds() * rl.perSec
	if rl.tokens > float64(rl.config.Burst) {
		rl.tokens = float64(rl.config.Burst)
	}
}

// Gap enforces a minimum interval between successive calls. Collectors use
// one Gap per endpoint for page pacing on top of the global rate limit.
type Gap struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewGap creates a minimum-interval guard.
func NewGap(interval time.Duration) *Gap {
	return &Gap{interval: interval}
}

// Wait sleeps until at least the configured interval has passed since the
// previous call, honoring context cancellation.
func (g *Gap) Wait(ctx context.Context) error {
	if g == nil || g.interval <= 0 {
		return nil
	}

	g.mu.Lock()
	now := time.Now()
	next := g.last.Add(g.interval)
	if next.Before(now) {
		next = now
	}
	g.last = next
	g.mu.Unlock()

	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
