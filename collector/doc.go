// Package collector drives ingestion: historical backfill over the REST
// endpoints and realtime streaming over the WebSocket feed.
//
// The historical collector paginates each (symbol, stream) pair from a
// start cursor to the window end, deduplicates page overlap, validates
// every page before persisting it, and records a data version per
// completed window. Streams run concurrently with a bounded worker
// limit; a stream whose circuit opens is skipped and marked partial
// rather than failing the whole run.
//
// The streaming collector owns the reconnect loop. Closed candles and
// liquidations are buffered and flushed in batches; mark prices go to
// the hot cache only. Stopping drains the buffers before returning.
package collector
