// Package exchange implements the typed client for the futures exchange's
// REST and WebSocket APIs.
//
// Every REST method decodes the wire format into package market records at
// this boundary and returns them ordered by time ascending. Empty results
// are empty slices, never errors.
//
// Each endpoint runs behind its own circuit breaker, under one shared
// token-bucket rate limiter and in-flight bulkhead, with retries wrapping
// the breaker: Retry(Breaker(Timeout(HTTP))). Failures are recorded into
// the error tracker under "api_<resource>_error".
//
// Symbols are accepted in canonical "BASE/QUOTE" form and normalized to
// the exchange's wire form internally.
package exchange
