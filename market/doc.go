// Package market defines the typed records that flow through the pipeline
// and the pure validation checks applied to batches before persistence.
//
// Records are decoded once at the exchange client boundary; everything
// downstream (validators, collectors, storage drivers) consumes these types
// only. All timestamps are UTC instants with millisecond precision.
package market
