package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/futuresfeed/cache"
	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/exchange"
	"github.com/jonwraymond/futuresfeed/market"
)

// fakeStream feeds scripted events to the streamer.
type fakeStream struct {
	events chan exchange.Event
	err    error

	mu     sync.Mutex
	closed bool
}

func newFakeStream(buffer int) *fakeStream {
	return &fakeStream{events: make(chan exchange.Event, buffer)}
}

func (f *fakeStream) Events() <-chan exchange.Event { return f.events }

func (f *fakeStream) Err() error { return f.err }

func (f *fakeStream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
	}
}

func (f *fakeStream) finish() {
	close(f.events)
}

func closedCandleEvent(i int) exchange.Event {
	return exchange.Event{
		Kind: exchange.EventKline,
		Candle: &market.Candle{
			Time:   time.UnixMilli(1700000000000).Add(time.Duration(i) * 5 * time.Minute).UTC(),
			Symbol: "SOL/USDT", Timeframe: "5m",
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10, Closed: true,
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestStreamer(t *testing.T, dial DialFunc, driver *fakeDriver) (*Streamer, *cache.Store) {
	t.Helper()
	hot, err := cache.NewStore(cache.NewMemoryCache(), cache.Policy{})
	if err != nil {
		t.Fatal(err)
	}
	return NewStreamer(dial, driver, hot, StreamingConfig{
		Symbols:       []string{"SOL/USDT"},
		Timeframes:    []string{"5m"},
		BufferSize:    10,
		FlushInterval: 20 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
	}), hot
}

func TestStreamer_StreamNames(t *testing.T) {
	s := NewStreamer(nil, nil, nil, StreamingConfig{
		Symbols:    []string{"SOL/USDT"},
		Timeframes: []string{"5m", "1h"},
	})
	got := s.streamNames()
	want := []string{"solusdt@kline_5m", "solusdt@kline_1h", "solusdt@markPrice", "solusdt@forceOrder"}
	if len(got) != len(want) {
		t.Fatalf("streams = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("streams[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamer_FlushOnBufferFull(t *testing.T) {
	stream := newFakeStream(64)
	driver := newFakeDriver()
	s, _ := newTestStreamer(t, func(context.Context, []string) (Stream, error) {
		return stream, nil
	}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 10; i++ {
		stream.events <- closedCandleEvent(i)
	}
	waitFor(t, 2*time.Second, func() bool { return driver.candleCount() == 10 })

	cancel()
	stream.finish()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestStreamer_IntervalFlushesPartialBatch(t *testing.T) {
	stream := newFakeStream(64)
	driver := newFakeDriver()
	s, _ := newTestStreamer(t, func(context.Context, []string) (Stream, error) {
		return stream, nil
	}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Nine candles: one short of the buffer size, so only the interval
	// ticker can flush them.
	for i := 0; i < 9; i++ {
		stream.events <- closedCandleEvent(i)
	}
	waitFor(t, 2*time.Second, func() bool { return driver.candleCount() == 9 })
	if got := driver.candleBatchCount(); got != 1 {
		t.Errorf("batches = %d, want one interval flush", got)
	}

	cancel()
	stream.finish()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestStreamer_StopDrainsBuffers(t *testing.T) {
	stream := newFakeStream(64)
	driver := newFakeDriver()
	s, _ := newTestStreamer(t, func(context.Context, []string) (Stream, error) {
		return stream, nil
	}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return s.State() == StreamOpen })

	// Three candles: below the buffer size, so only the stop can flush
	// them.
	for i := 0; i < 3; i++ {
		stream.events <- closedCandleEvent(i)
	}

	// Wait until the consumer pulled all three off the channel, then stop.
	// The stop path must flush whatever the ticker has not.
	waitFor(t, 2*time.Second, func() bool { return len(stream.events) == 0 })
	cancel()
	stream.finish()

	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if driver.candleCount() != 3 {
		t.Errorf("stored = %d, want 3 drained on stop", driver.candleCount())
	}
	if s.State() != StreamDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
}

func TestStreamer_OpenCandleCachedNotPersisted(t *testing.T) {
	stream := newFakeStream(64)
	driver := newFakeDriver()
	s, hot := newTestStreamer(t, func(context.Context, []string) (Stream, error) {
		return stream, nil
	}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	open := closedCandleEvent(0)
	open.Candle.Closed = false
	stream.events <- open

	waitFor(t, 2*time.Second, func() bool {
		_, ok := hot.LatestCandle(context.Background(), "SOL/USDT", "5m")
		return ok
	})
	if driver.candleCount() != 0 {
		t.Error("open candle reached storage")
	}

	cancel()
	stream.finish()
	<-done
}

func TestStreamer_MarkPriceCached(t *testing.T) {
	stream := newFakeStream(64)
	driver := newFakeDriver()
	s, hot := newTestStreamer(t, func(context.Context, []string) (Stream, error) {
		return stream, nil
	}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	stream.events <- exchange.Event{
		Kind: exchange.EventMarkPrice,
		MarkPrice: &market.MarkPrice{
			Time: time.UnixMilli(1700000001000).UTC(), Symbol: "SOL/USDT", Price: 104.2,
		},
	}

	waitFor(t, 2*time.Second, func() bool {
		mp, ok := hot.MarkPrice(context.Background(), "SOL/USDT")
		return ok && mp.Price == 104.2
	})

	cancel()
	stream.finish()
	<-done
}

func TestStreamer_ReconnectsAfterDrop(t *testing.T) {
	first := newFakeStream(8)
	first.err = errtrack.Ef(errtrack.KindNetwork, "connection reset")
	second := newFakeStream(8)

	var mu sync.Mutex
	dials := 0
	dial := func(context.Context, []string) (Stream, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}

	driver := newFakeDriver()
	s, _ := newTestStreamer(t, dial, driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Drop the first connection immediately.
	first.finish()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})

	// The second connection still delivers.
	second.events <- closedCandleEvent(0)
	waitFor(t, 2*time.Second, func() bool { return driver.candleCount() == 1 })

	cancel()
	second.finish()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestStreamer_DialFailureBacksOff(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	stream := newFakeStream(8)
	dial := func(context.Context, []string) (Stream, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials < 3 {
			return nil, errtrack.Ef(errtrack.KindNetwork, "refused")
		}
		return stream, nil
	}

	driver := newFakeDriver()
	s, _ := newTestStreamer(t, dial, driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return s.State() == StreamOpen })
	mu.Lock()
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	mu.Unlock()

	cancel()
	stream.finish()
	<-done
}

func TestStreamer_Backoff(t *testing.T) {
	s := NewStreamer(nil, nil, nil, StreamingConfig{MaxBackoff: 60 * time.Second})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},  // 64s capped
		{20, 60 * time.Second}, // stays capped
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
