// Package health reports the operational state of the ingestion stack.
//
// A Checker probes one dependency and returns a Result with a status of
// healthy, degraded, or unhealthy. The Aggregator fans registered checks
// out under one deadline and folds their statuses into an overall one:
// any unhealthy check makes the whole system unhealthy, otherwise any
// degraded check makes it degraded.
//
// The package ships checks for the four things the pipeline depends on:
// the storage backend, the hot cache, the exchange API, and the
// freshness of the most recent candle.
package health
