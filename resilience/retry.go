package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Default: 3
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Base is the exponential growth factor.
	// Default: 2.0
	Base float64

	// Jitter scales each delay by a random factor in
	// [1-JitterFraction, 1+JitterFraction].
	// Default: false
	Jitter bool

	// JitterFraction is the symmetric jitter width.
	// Default: 0.25
	JitterFraction float64

	// RetryIf determines whether an error is retryable. Non-retryable
	// errors propagate immediately without consuming retry budget.
	// Default: all non-nil errors trigger retry.
	RetryIf func(err error) bool

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry implements bounded exponential backoff.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Base <= 0 {
		config.Base = 2.0
	}
	if config.JitterFraction <= 0 || config.JitterFraction >= 1 {
		config.JitterFraction = 0.25
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return err != nil }
	}

	return &Retry{config: config}
}

// Execute runs the operation, retrying retryable failures up to MaxRetries
// times. On exhaustion the last error is returned unchanged.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.config.RetryIf(err) {
			return err
		}
		if attempt >= r.config.MaxRetries {
			return lastErr
		}

		delay := r.Delay(attempt)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Delay returns the backoff before retry k (0-indexed):
// min(MaxDelay, InitialDelay·Base^k), scaled by (1±JitterFraction) when
// jitter is enabled.
func (r *Retry) Delay(k int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Base, float64(k))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		factor := 1 + r.config.JitterFraction*(2*rand.Float64()-1)
		d *= factor
	}

	return time.Duration(d)
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}
