// Package storage persists market records behind one Driver interface
// with three backends: TimescaleDB for production, embedded SQLite for
// development, and a cloud document store for serverless deployments.
//
// Write semantics are uniform across backends: candles, open interest,
// and long/short ratios upsert last-writer-wins on their natural keys;
// funding rates and liquidations are immutable and duplicate writes are
// ignored; order-book snapshots replace the whole snapshot at their
// timestamp. Range reads are inclusive on both bounds and return rows
// ascending by time.
package storage
