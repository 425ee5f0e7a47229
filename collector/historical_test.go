package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/storage"
)

// fakeDriver is an in-memory storage.Driver keyed by record key.
type fakeDriver struct {
	mu           sync.Mutex
	candles      map[string]market.Candle
	openInterest map[string]market.OpenInterest
	funding      map[string]market.FundingRate
	liquidations map[string]market.Liquidation
	ratios       map[string]market.LongShortRatio
	books        []market.OrderBook
	versions     []market.DataVersion
	failSaves    int

	candleBatches int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		candles:      make(map[string]market.Candle),
		openInterest: make(map[string]market.OpenInterest),
		funding:      make(map[string]market.FundingRate),
		liquidations: make(map[string]market.Liquidation),
		ratios:       make(map[string]market.LongShortRatio),
	}
}

// saveFailure returns the plain wrapped shape the real drivers produce,
// with no error kind attached.
func (d *fakeDriver) saveFailure() error {
	if d.failSaves > 0 {
		d.failSaves--
		return fmt.Errorf("storage: commit: %w", errors.New("database is locked"))
	}
	return nil
}

func (d *fakeDriver) Init(context.Context) error { return nil }

func (d *fakeDriver) SaveCandles(_ context.Context, batch []market.Candle) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.saveFailure(); err != nil {
		return 0, err
	}
	d.candleBatches++
	for _, c := range batch {
		d.candles[c.Key()] = c
	}
	return len(batch), nil
}

func (d *fakeDriver) candleBatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.candleBatches
}

func (d *fakeDriver) SaveOpenInterest(_ context.Context, batch []market.OpenInterest) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range batch {
		d.openInterest[s.Key()] = s
	}
	return len(batch), nil
}

func (d *fakeDriver) SaveFundingRates(_ context.Context, batch []market.FundingRate) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range batch {
		if _, ok := d.funding[r.Key()]; !ok {
			d.funding[r.Key()] = r
		}
	}
	return len(batch), nil
}

func (d *fakeDriver) SaveLiquidations(_ context.Context, batch []market.Liquidation) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range batch {
		if _, ok := d.liquidations[l.Key()]; !ok {
			d.liquidations[l.Key()] = l
			n++
		}
	}
	return n, nil
}

func (d *fakeDriver) SaveLongShortRatios(_ context.Context, batch []market.LongShortRatio) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range batch {
		d.ratios[r.Key()] = r
	}
	return len(batch), nil
}

func (d *fakeDriver) SaveOrderBook(_ context.Context, book market.OrderBook) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.books = append(d.books, book)
	return nil
}

func (d *fakeDriver) Candles(context.Context, string, string, time.Time, time.Time) ([]market.Candle, error) {
	return nil, nil
}

func (d *fakeDriver) LatestCandle(context.Context, string, string) (market.Candle, bool, error) {
	return market.Candle{}, false, nil
}

func (d *fakeDriver) OpenInterest(context.Context, string, string, time.Time, time.Time) ([]market.OpenInterest, error) {
	return nil, nil
}

func (d *fakeDriver) FundingRates(context.Context, string, time.Time, time.Time) ([]market.FundingRate, error) {
	return nil, nil
}

func (d *fakeDriver) Liquidations(context.Context, string, time.Time, time.Time) ([]market.Liquidation, error) {
	return nil, nil
}

func (d *fakeDriver) LongShortRatios(context.Context, string, string, time.Time, time.Time) ([]market.LongShortRatio, error) {
	return nil, nil
}

func (d *fakeDriver) SaveDataVersion(_ context.Context, v *market.DataVersion) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v.ID = int64(len(d.versions) + 1)
	d.versions = append(d.versions, *v)
	return nil
}

func (d *fakeDriver) DataVersions(context.Context, string, string, int) ([]market.DataVersion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]market.DataVersion(nil), d.versions...), nil
}

func (d *fakeDriver) Vacuum(context.Context) error       { return nil }
func (d *fakeDriver) Info(context.Context) (storage.Info, error) {
	return storage.Info{Backend: "fake"}, nil
}
func (d *fakeDriver) Ping(context.Context) error { return nil }
func (d *fakeDriver) Close() error               { return nil }

func (d *fakeDriver) candleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.candles)
}

// fakeExchange serves synthetic series. Pages overlap by one record when
// overlap is set, imitating inclusive cursors.
type fakeExchange struct {
	mu        sync.Mutex
	interval  time.Duration
	seriesEnd time.Time
	pageSize  int
	overlap   bool
	failures  []error
	calls     int
	book      market.OrderBook
}

func (f *fakeExchange) nextFailure() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeExchange) Klines(_ context.Context, symbol, interval string, start, end time.Time, limit int) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.nextFailure(); err != nil {
		return nil, err
	}

	cursor := start
	if f.overlap && f.calls > 1 {
		cursor = cursor.Add(-f.interval)
	}
	max := f.pageSize
	if limit < max {
		max = limit
	}

	var out []market.Candle
	for t := cursor; !t.After(end) && !t.After(f.seriesEnd) && len(out) < max; t = t.Add(f.interval) {
		out = append(out, market.Candle{
			Time: t, Symbol: symbol, Timeframe: interval,
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10, Closed: true,
		})
	}
	return out, nil
}

func (f *fakeExchange) OpenInterestHist(_ context.Context, symbol, period string, start, end time.Time, limit int) ([]market.OpenInterest, error) {
	var out []market.OpenInterest
	for t := start; !t.After(end) && !t.After(f.seriesEnd) && len(out) < f.pageSize; t = t.Add(f.interval) {
		out = append(out, market.OpenInterest{Time: t, Symbol: symbol, Period: period, OpenInterest: 1000, OpenInterestValue: 100000})
	}
	return out, nil
}

func (f *fakeExchange) FundingRates(_ context.Context, symbol string, start, end time.Time, limit int) ([]market.FundingRate, error) {
	var out []market.FundingRate
	for t := start; !t.After(end) && !t.After(f.seriesEnd) && len(out) < f.pageSize; t = t.Add(market.FundingInterval) {
		out = append(out, market.FundingRate{FundingTime: t, Symbol: symbol, FundingRate: 0.0001, MarkPrice: 100})
	}
	return out, nil
}

func (f *fakeExchange) Liquidations(_ context.Context, symbol string, start, end time.Time, limit int) ([]market.Liquidation, error) {
	var out []market.Liquidation
	for t := start; !t.After(end) && !t.After(f.seriesEnd) && len(out) < f.pageSize; t = t.Add(f.interval) {
		out = append(out, market.Liquidation{
			OrderID: market.Candle{Time: t, Symbol: symbol, Timeframe: "liq"}.Key(),
			Time:    t, Symbol: symbol, Side: market.SideSell, Price: 100, Quantity: 1,
		})
	}
	return out, nil
}

func (f *fakeExchange) TopLongShortRatio(_ context.Context, symbol, period string, start, end time.Time, limit int) ([]market.LongShortRatio, error) {
	var out []market.LongShortRatio
	for t := start; !t.After(end) && !t.After(f.seriesEnd) && len(out) < f.pageSize; t = t.Add(f.interval) {
		out = append(out, market.LongShortRatio{Time: t, Symbol: symbol, Period: period, LongShortRatio: 1.5, LongAccount: 0.6, ShortAccount: 0.4})
	}
	return out, nil
}

func (f *fakeExchange) Depth(_ context.Context, symbol string, limit int) (market.OrderBook, error) {
	if len(f.book.Bids) == 0 {
		f.book = market.OrderBook{
			Time: f.seriesEnd, Symbol: symbol,
			Bids: []market.PriceLevel{{Price: 100.00, Quantity: 1000}},
			Asks: []market.PriceLevel{{Price: 100.05, Quantity: 800}},
		}
		f.book.ComputeStats()
	}
	return f.book, nil
}

func fastConfig(symbols ...string) HistoricalConfig {
	return HistoricalConfig{
		Symbols:       symbols,
		Timeframes:    []string{"5m"},
		Periods:       []string{"5m"},
		CandlePageGap: time.Microsecond,
		SamplePageGap: time.Microsecond,
		FailurePause:  time.Millisecond,
	}
}

func TestHistorical_CollectCandlesPaginates(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	const bars = 2500
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add((bars - 1) * 5 * time.Minute),
		pageSize:  1000,
	}
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if result.Err != nil {
		t.Fatalf("result.Err = %v", result.Err)
	}
	if result.Partial {
		t.Error("complete run marked partial")
	}
	if result.Records != bars {
		t.Errorf("Records = %d, want %d", result.Records, bars)
	}
	if driver.candleCount() != bars {
		t.Errorf("stored = %d, want %d", driver.candleCount(), bars)
	}
	if exch.calls < 3 {
		t.Errorf("calls = %d, want pagination over multiple pages", exch.calls)
	}

	if len(driver.versions) != 1 {
		t.Fatalf("versions = %d, want 1", len(driver.versions))
	}
	v := driver.versions[0]
	if v.Table != "ohlcv_5m" || v.RecordCount != bars || v.Checksum == "" {
		t.Errorf("version = %+v", v)
	}
	if !v.WindowStart.Equal(start) || !v.WindowEnd.Equal(exch.seriesEnd) {
		t.Errorf("window = %v..%v", v.WindowStart, v.WindowEnd)
	}
}

func TestHistorical_OverlappingPagesDeduped(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	const bars = 250
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add((bars - 1) * 5 * time.Minute),
		pageSize:  100,
		overlap:   true,
	}
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if result.Err != nil {
		t.Fatalf("result.Err = %v", result.Err)
	}
	if result.Records != bars {
		t.Errorf("Records = %d, want %d deduplicated", result.Records, bars)
	}
	if driver.candleCount() != bars {
		t.Errorf("stored = %d, want %d", driver.candleCount(), bars)
	}
}

func TestHistorical_CircuitOpenSkipsStream(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add(time.Hour),
		pageSize:  100,
		failures:  []error{errtrack.Ef(errtrack.KindCircuitOpen, "circuit open")},
	}
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if !result.Partial {
		t.Error("circuit-open stream not marked partial")
	}
	if result.Err == nil {
		t.Error("result.Err = nil")
	}
	if exch.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries against open circuit)", exch.calls)
	}
	if len(driver.versions) != 0 {
		t.Error("partial stream recorded a data version")
	}
}

func TestHistorical_RetryableFailureResumesCursor(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	const bars = 50
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add((bars - 1) * 5 * time.Minute),
		pageSize:  100,
		failures: []error{
			errtrack.Ef(errtrack.KindNetwork, "connection reset"),
			errtrack.Ef(errtrack.KindExchangeServer, "bad gateway"),
		},
	}
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if result.Err != nil {
		t.Fatalf("result.Err = %v", result.Err)
	}
	if result.Partial {
		t.Error("recovered run marked partial")
	}
	if driver.candleCount() != bars {
		t.Errorf("stored = %d, want %d after recovery", driver.candleCount(), bars)
	}
}

func TestHistorical_FailureBudgetExhausted(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add(time.Hour),
		pageSize:  100,
	}
	for i := 0; i < 10; i++ {
		exch.failures = append(exch.failures, errtrack.Ef(errtrack.KindNetwork, "down"))
	}
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	cfg.MaxFailures = 2
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if !result.Partial || result.Err == nil {
		t.Errorf("result = %+v, want partial with error", result)
	}
	// Initial try plus MaxFailures re-tries of the same cursor.
	if exch.calls != 3 {
		t.Errorf("calls = %d, want 3", exch.calls)
	}
}

func TestHistorical_CollectAll(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add(2 * time.Hour),
		pageSize:  500,
	}
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	cfg.MaxConcurrent = 2
	h := NewHistorical(exch, driver, cfg)

	results, err := h.CollectAll(context.Background())
	if err != nil {
		t.Fatalf("CollectAll() = %v", err)
	}
	// candles + open interest + ratio + funding + liquidations + book.
	if len(results) != 6 {
		t.Fatalf("len(results) = %d, want 6", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("%s/%s: %v", r.Resource, r.Symbol, r.Err)
		}
		if r.Partial {
			t.Errorf("%s/%s marked partial", r.Resource, r.Symbol)
		}
	}
	if len(driver.books) != 1 {
		t.Errorf("books = %d, want 1 snapshot", len(driver.books))
	}
}

func TestHistorical_StorageRetryOnce(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add(30 * time.Minute),
		pageSize:  100,
	}
	driver := newFakeDriver()
	driver.failSaves = 1 // first write fails, the single retry succeeds

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if result.Err != nil {
		t.Fatalf("result.Err = %v, want retry to absorb one storage failure", result.Err)
	}
	if driver.candleCount() != 7 {
		t.Errorf("stored = %d, want 7", driver.candleCount())
	}
}

func TestHistorical_StorageRetryBudgetIsOne(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add(30 * time.Minute),
		pageSize:  100,
	}
	driver := newFakeDriver()
	driver.failSaves = 2 // the write and its single retry both fail

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = exch.seriesEnd
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if !result.Partial || result.Err == nil {
		t.Fatalf("result = %+v, want abort after the retry budget", result)
	}
	if kind := errtrack.KindOf(result.Err); kind != errtrack.KindStorage {
		t.Errorf("KindOf = %q, want storage", kind)
	}
	if driver.candleCount() != 0 {
		t.Errorf("stored = %d, want 0", driver.candleCount())
	}
}

func TestHistorical_ValidationFatalAborts(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = start.Add(time.Hour)
	h := NewHistorical(&badOHLCExchange{start: start}, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if !result.Partial || result.Err == nil {
		t.Fatalf("result = %+v, want validation failure", result)
	}
	if kind := errtrack.KindOf(result.Err); kind != errtrack.KindValidation {
		t.Errorf("KindOf = %q, want validation", kind)
	}
	if driver.candleCount() != 0 {
		t.Error("invalid batch reached storage")
	}
}

// badOHLCExchange serves one candle violating the OHLC inequality.
type badOHLCExchange struct {
	fakeExchange
	start time.Time
}

func (b *badOHLCExchange) Klines(context.Context, string, string, time.Time, time.Time, int) ([]market.Candle, error) {
	return []market.Candle{{
		Time: b.start, Symbol: "SOL/USDT", Timeframe: "5m",
		Open: 10, High: 5, Low: 6, Close: 7, Volume: 1, Closed: true,
	}}, nil
}

func TestHistorical_EmptyWindow(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	exch := &fakeExchange{
		interval:  5 * time.Minute,
		seriesEnd: start.Add(-time.Hour), // nothing to serve
		pageSize:  100,
	}
	driver := newFakeDriver()

	cfg := fastConfig("SOL/USDT")
	cfg.Start = start
	cfg.End = start.Add(time.Hour)
	h := NewHistorical(exch, driver, cfg)

	result := h.CollectCandles(context.Background(), "SOL/USDT", "5m")
	if result.Err != nil || result.Partial {
		t.Errorf("result = %+v, want clean empty run", result)
	}
	if result.Records != 0 {
		t.Errorf("Records = %d, want 0", result.Records)
	}
	if len(driver.versions) != 0 {
		t.Error("empty run recorded a version")
	}
}
