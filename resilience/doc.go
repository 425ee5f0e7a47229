// Package resilience provides the failure-handling primitives that guard
// every outbound exchange and storage call.
//
// The package implements:
//
//   - Circuit Breaker: per-endpoint guard that fails fast once an endpoint
//     has produced a run of consecutive failures, with a half-open probe
//     phase that requires a configurable number of successes to close.
//
//   - Registry: named circuit breakers, one per exchange resource.
//
//   - Retry: bounded exponential backoff with symmetric jitter. The delay
//     before retry k is min(MaxDelay, InitialDelay·Base^k) scaled by
//     (1±JitterFraction).
//
//   - Rate Limiter: token bucket applied to the whole exchange client,
//     plus Gap, a minimum-interval guard for per-endpoint pacing.
//
//   - Bulkhead: caps the number of in-flight requests.
//
//   - Timeout: hard per-call deadline.
//
// The composition order is fixed by Executor: the rate limiter and bulkhead
// gate admission, Retry wraps the CircuitBreaker, and the breaker wraps the
// timed call. Retry never burns budget against an open circuit because
// ErrCircuitOpen is not retryable:
//
//	exec := resilience.NewExecutor(
//	    resilience.WithRateLimiter(rl),
//	    resilience.WithRetry(retry),
//	    resilience.WithCircuitBreaker(registry.Get("ohlcv")),
//	    resilience.WithTimeout(30*time.Second),
//	)
//	err := exec.Execute(ctx, func(ctx context.Context) error {
//	    return callExchange(ctx)
//	})
package resilience
