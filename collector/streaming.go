package collector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/futuresfeed/cache"
	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/exchange"
	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
	"github.com/jonwraymond/futuresfeed/storage"
)

// StreamState is the connection lifecycle of the streaming collector.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamOpen
)

// String returns the state name.
func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	default:
		return "unknown"
	}
}

// StreamingConfig configures the realtime collector.
type StreamingConfig struct {
	// Symbols are canonical "BASE/QUOTE" pairs.
	Symbols []string

	// Timeframes are the kline streams to subscribe. Default: ["5m"]
	Timeframes []string

	// BufferSize is the per-kind batch size that forces a flush.
	// Default: 10
	BufferSize int

	// FlushInterval bounds how long a partial batch waits. Default: 100ms
	FlushInterval time.Duration

	// MaxBackoff caps the reconnect delay. Default: 60 seconds
	MaxBackoff time.Duration

	Logger  observe.Logger
	Metrics observe.Metrics
	Tracker *errtrack.Tracker
}

// Streamer consumes the live feed and persists it. Closed candles and
// liquidations are batched to storage; mark prices and in-progress
// candles only update the hot cache. Run owns the reconnect loop and
// drains the buffers before returning.
type Streamer struct {
	dial   DialFunc
	store  storage.Driver
	hot    *cache.Store
	config StreamingConfig

	state atomic.Int32

	// Buffers are touched only from the Run goroutine.
	candles      []market.Candle
	liquidations []market.Liquidation
}

// NewStreamer creates a realtime collector. hot may be nil.
func NewStreamer(dial DialFunc, store storage.Driver, hot *cache.Store, config StreamingConfig) *Streamer {
	if len(config.Timeframes) == 0 {
		config.Timeframes = []string{"5m"}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 10
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observe.NopMetrics()
	}

	return &Streamer{
		dial:   dial,
		store:  store,
		hot:    hot,
		config: config,
	}
}

// State reports the connection state.
func (s *Streamer) State() StreamState {
	return StreamState(s.state.Load())
}

func (s *Streamer) setState(state StreamState) {
	s.state.Store(int32(state))
}

func (s *Streamer) streamNames() []string {
	var streams []string
	for _, symbol := range s.config.Symbols {
		for _, tf := range s.config.Timeframes {
			streams = append(streams, exchange.KlineStream(symbol, tf))
		}
		streams = append(streams, exchange.MarkPriceStream(symbol))
		streams = append(streams, exchange.ForceOrderStream(symbol))
	}
	return streams
}

// backoff is the reconnect delay before attempt k (0-indexed), doubling
// from one second up to the cap.
func (s *Streamer) backoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < s.config.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.config.MaxBackoff {
		d = s.config.MaxBackoff
	}
	return d
}

// Run streams until the context is cancelled, reconnecting on drops.
// Buffered records are flushed before it returns.
func (s *Streamer) Run(ctx context.Context) error {
	defer s.setState(StreamDisconnected)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StreamConnecting)

		sub, err := s.dial(ctx, s.streamNames())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.config.Tracker != nil {
				s.config.Tracker.Record(errtrack.KindOf(err), err,
					map[string]string{"component": "streamer"}, errtrack.SeverityError)
			}
			delay := s.backoff(attempts)
			attempts++
			s.config.Logger.Warn(ctx, "stream dial failed, backing off",
				observe.F("attempt", attempts), observe.F("delay_ms", delay.Milliseconds()),
				observe.F("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		attempts = 0
		s.setState(StreamOpen)

		s.consume(ctx, sub)
		sub.Close()
		s.drain(ctx)
		s.setState(StreamDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if err := sub.Err(); err != nil {
			if s.config.Tracker != nil {
				s.config.Tracker.Record(errtrack.KindOf(err), err,
					map[string]string{"component": "streamer"}, errtrack.SeverityWarning)
			}
			s.config.Logger.Warn(ctx, "stream dropped, reconnecting",
				observe.F("error", err.Error()))
		}
	}
}

// consume reads events until the subscription ends or the context is
// cancelled.
func (s *Streamer) consume(ctx context.Context, sub Stream) {
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.handle(ctx, ev)
		case <-ticker.C:
			s.flushAll(ctx)
		}
	}
}

func (s *Streamer) handle(ctx context.Context, ev exchange.Event) {
	switch ev.Kind {
	case exchange.EventKline:
		if s.hot != nil {
			s.hot.SetLatestCandle(ctx, *ev.Candle)
		}
		// Open candles only refresh the cache; storage gets closed bars.
		if !ev.Candle.Closed {
			return
		}
		s.candles = append(s.candles, *ev.Candle)
		if len(s.candles) >= s.config.BufferSize {
			s.flushCandles(ctx)
		}
	case exchange.EventMarkPrice:
		if s.hot != nil {
			s.hot.SetMarkPrice(ctx, *ev.MarkPrice)
		}
	case exchange.EventLiquidation:
		s.liquidations = append(s.liquidations, *ev.Liquidation)
		if len(s.liquidations) >= s.config.BufferSize {
			s.flushLiquidations(ctx)
		}
	}
}

// drain flushes the buffers after consume returns. On shutdown the run
// context is already cancelled, so the final flush gets its own deadline.
func (s *Streamer) drain(ctx context.Context) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	s.flushAll(ctx)
}

func (s *Streamer) flushAll(ctx context.Context) {
	s.flushCandles(ctx)
	s.flushLiquidations(ctx)
}

func (s *Streamer) flushCandles(ctx context.Context) {
	if len(s.candles) == 0 {
		return
	}
	batch := s.candles
	s.candles = nil

	err := saveWithRetry(ctx, func(ctx context.Context) error {
		_, serr := s.store.SaveCandles(ctx, batch)
		return serr
	})
	if err != nil {
		s.dropBatch(ctx, storage.TableCandles, len(batch), err)
		return
	}
	s.config.Metrics.BatchFlush(ctx, storage.TableCandles, int64(len(batch)))
}

func (s *Streamer) flushLiquidations(ctx context.Context) {
	if len(s.liquidations) == 0 {
		return
	}
	batch := s.liquidations
	s.liquidations = nil

	err := saveWithRetry(ctx, func(ctx context.Context) error {
		_, serr := s.store.SaveLiquidations(ctx, batch)
		return serr
	})
	if err != nil {
		s.dropBatch(ctx, storage.TableLiquidations, len(batch), err)
		return
	}
	s.config.Metrics.BatchFlush(ctx, storage.TableLiquidations, int64(len(batch)))
}

// dropBatch reports a failed flush. The batch is discarded so a dead
// backend cannot grow the buffers without bound.
func (s *Streamer) dropBatch(ctx context.Context, table string, n int, err error) {
	if s.config.Tracker != nil {
		s.config.Tracker.Record(errtrack.KindStorage, err,
			map[string]string{"table": table}, errtrack.SeverityCritical)
	}
	s.config.Logger.Error(ctx, "batch flush failed, dropping records",
		observe.F("table", table), observe.F("records", n), observe.F("error", err.Error()))
}
