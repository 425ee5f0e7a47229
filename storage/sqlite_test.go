package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
)

func newTestDriver(t *testing.T) Driver {
	t.Helper()
	driver, err := Open(context.Background(), Config{
		Type:   BackendSQLite,
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { driver.Close() })
	return driver
}

func testCandles(base time.Time, n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Time: base.Add(time.Duration(i) * 5 * time.Minute), Symbol: "SOL/USDT", Timeframe: "5m",
			Open: 100 + float64(i), High: 105 + float64(i), Low: 99 + float64(i), Close: 104 + float64(i),
			Volume: 1000, QuoteVolume: 104000, Trades: 50, Closed: true,
		}
	}
	return out
}

func TestSQLite_CandleRoundTrip(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000).UTC()
	batch := testCandles(base, 3)

	n, err := driver.SaveCandles(ctx, batch)
	if err != nil {
		t.Fatalf("SaveCandles() = %v", err)
	}
	if n != 3 {
		t.Errorf("written = %d, want 3", n)
	}

	got, err := driver.Candles(ctx, "SOL/USDT", "5m", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Candles() = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, c := range got {
		if !c.Time.Equal(batch[i].Time) {
			t.Errorf("row %d time = %v, want %v (ascending)", i, c.Time, batch[i].Time)
		}
		if c.Open != batch[i].Open || c.Close != batch[i].Close || !c.Closed {
			t.Errorf("row %d = %+v", i, c)
		}
	}
}

func TestSQLite_BackfillIsIdempotent(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000).UTC()
	batch := testCandles(base, 5)

	for run := 0; run < 2; run++ {
		if _, err := driver.SaveCandles(ctx, batch); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}

	got, err := driver.Candles(ctx, "SOL/USDT", "5m", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Candles() = %v", err)
	}
	if len(got) != 5 {
		t.Errorf("row count after double backfill = %d, want 5", len(got))
	}

	info, err := driver.Info(ctx)
	if err != nil {
		t.Fatalf("Info() = %v", err)
	}
	if info.Rows[TableCandles] != 5 {
		t.Errorf("table count = %d, want 5", info.Rows[TableCandles])
	}
}

func TestSQLite_OpenCandleRewrite(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000).UTC()

	open := market.Candle{Time: ts, Symbol: "SOL/USDT", Timeframe: "5m", Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10}
	if _, err := driver.SaveCandles(ctx, []market.Candle{open}); err != nil {
		t.Fatal(err)
	}

	final := open
	final.Close, final.High, final.Volume, final.Closed = 103, 103.5, 250, true
	if _, err := driver.SaveCandles(ctx, []market.Candle{final}); err != nil {
		t.Fatal(err)
	}

	got, _, err := driver.LatestCandle(ctx, "SOL/USDT", "5m")
	if err != nil {
		t.Fatalf("LatestCandle() = %v", err)
	}
	if got.Close != 103 || got.Volume != 250 || !got.Closed {
		t.Errorf("latest = %+v, want rewritten bar", got)
	}
}

func TestSQLite_LatestCandleMissing(t *testing.T) {
	driver := newTestDriver(t)
	_, ok, err := driver.LatestCandle(context.Background(), "SOL/USDT", "5m")
	if err != nil {
		t.Fatalf("LatestCandle() = %v", err)
	}
	if ok {
		t.Error("ok = true on empty table")
	}
}

func TestSQLite_LiquidationDuplicatesIgnored(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000).UTC()

	first := market.Liquidation{OrderID: "a1", Time: ts, Symbol: "SOL/USDT", Side: market.SideSell, Price: 55, Quantity: 10}
	n, err := driver.SaveLiquidations(ctx, []market.Liquidation{first})
	if err != nil || n != 1 {
		t.Fatalf("first save = %d, %v", n, err)
	}

	// First write wins: the duplicate's differing fields are discarded.
	dup := first
	dup.Price = 999
	n, err = driver.SaveLiquidations(ctx, []market.Liquidation{dup})
	if err != nil {
		t.Fatalf("dup save: %v", err)
	}
	if n != 0 {
		t.Errorf("dup written = %d, want 0", n)
	}

	got, err := driver.Liquidations(ctx, "SOL/USDT", ts.Add(-time.Minute), ts.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Price != 55 {
		t.Errorf("got = %+v, want single original row", got)
	}
}

func TestSQLite_FundingRatesImmutable(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000).UTC()

	rate := market.FundingRate{FundingTime: ts, Symbol: "SOL/USDT", FundingRate: 0.0001, MarkPrice: 55}
	if _, err := driver.SaveFundingRates(ctx, []market.FundingRate{rate}); err != nil {
		t.Fatal(err)
	}
	changed := rate
	changed.FundingRate = 0.0009
	if _, err := driver.SaveFundingRates(ctx, []market.FundingRate{changed}); err != nil {
		t.Fatal(err)
	}

	got, err := driver.FundingRates(ctx, "SOL/USDT", ts, ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].FundingRate != 0.0001 {
		t.Errorf("got = %+v, want original rate preserved", got)
	}
}

func TestSQLite_RangeReadInclusive(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000).UTC()
	batch := testCandles(base, 4)
	if _, err := driver.SaveCandles(ctx, batch); err != nil {
		t.Fatal(err)
	}

	// [bar1, bar2] exactly: both bounds land on stored rows.
	got, err := driver.Candles(ctx, "SOL/USDT", "5m", batch[1].Time, batch[2].Time)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (inclusive bounds)", len(got))
	}
	if !got[0].Time.Equal(batch[1].Time) || !got[1].Time.Equal(batch[2].Time) {
		t.Errorf("bounds = %v, %v", got[0].Time, got[1].Time)
	}
}

func TestSQLite_OrderBookSnapshotReplace(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000).UTC()

	book := market.OrderBook{
		Time: ts, Symbol: "SOL/USDT",
		Bids: []market.PriceLevel{{Price: 100.00, Quantity: 1000}, {Price: 99.95, Quantity: 500}},
		Asks: []market.PriceLevel{{Price: 100.05, Quantity: 800}, {Price: 100.10, Quantity: 600}},
	}
	if err := book.ComputeStats(); err != nil {
		t.Fatal(err)
	}
	if err := driver.SaveOrderBook(ctx, book); err != nil {
		t.Fatalf("SaveOrderBook() = %v", err)
	}

	// A smaller snapshot at the same timestamp fully replaces the first.
	smaller := market.OrderBook{
		Time: ts, Symbol: "SOL/USDT",
		Bids: []market.PriceLevel{{Price: 100.01, Quantity: 900}},
		Asks: []market.PriceLevel{{Price: 100.06, Quantity: 700}},
	}
	if err := smaller.ComputeStats(); err != nil {
		t.Fatal(err)
	}
	if err := driver.SaveOrderBook(ctx, smaller); err != nil {
		t.Fatal(err)
	}

	info, err := driver.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Rows[TableOrderBook] != 2 {
		t.Errorf("order book rows = %d, want 2 after replace", info.Rows[TableOrderBook])
	}
}

func TestSQLite_OpenInterestLastWriterWins(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000).UTC()

	first := market.OpenInterest{Time: ts, Symbol: "SOL/USDT", Period: "5m", OpenInterest: 1000, OpenInterestValue: 55000}
	second := first
	second.OpenInterest = 1100
	if _, err := driver.SaveOpenInterest(ctx, []market.OpenInterest{first}); err != nil {
		t.Fatal(err)
	}
	if _, err := driver.SaveOpenInterest(ctx, []market.OpenInterest{second}); err != nil {
		t.Fatal(err)
	}

	got, err := driver.OpenInterest(ctx, "SOL/USDT", "5m", ts, ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].OpenInterest != 1100 {
		t.Errorf("got = %+v, want last write", got)
	}
}

func TestSQLite_LongShortRatioRoundTrip(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000).UTC()

	ratio := market.LongShortRatio{Time: ts, Symbol: "SOL/USDT", Period: "5m", LongShortRatio: 1.5, LongAccount: 0.6, ShortAccount: 0.4}
	if _, err := driver.SaveLongShortRatios(ctx, []market.LongShortRatio{ratio}); err != nil {
		t.Fatal(err)
	}
	got, err := driver.LongShortRatios(ctx, "SOL/USDT", "5m", ts, ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].LongShortRatio != 1.5 {
		t.Errorf("got = %+v", got)
	}
}

func TestSQLite_DataVersions(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000).UTC()

	for i := 0; i < 3; i++ {
		v := &market.DataVersion{
			Table: TableCandles, Symbol: "SOL/USDT",
			WindowStart: base, WindowEnd: base.Add(24 * time.Hour),
			RecordCount: int64(100 + i), Checksum: "abc",
		}
		if err := driver.SaveDataVersion(ctx, v); err != nil {
			t.Fatalf("SaveDataVersion() = %v", err)
		}
		if v.ID == 0 {
			t.Error("version id not assigned")
		}
	}

	versions, err := driver.DataVersions(ctx, TableCandles, "SOL/USDT", 2)
	if err != nil {
		t.Fatalf("DataVersions() = %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len = %d, want limit 2", len(versions))
	}
	// Newest first by id.
	if versions[0].ID <= versions[1].ID {
		t.Errorf("ordering = %d, %d, want descending", versions[0].ID, versions[1].ID)
	}
	if versions[0].RecordCount != 102 {
		t.Errorf("RecordCount = %d, want newest", versions[0].RecordCount)
	}
}

func TestSQLite_VacuumAndPing(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	if err := driver.Ping(ctx); err != nil {
		t.Errorf("Ping() = %v", err)
	}
	if err := driver.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum() = %v", err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Type: "dbase"}); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestOpen_DefaultsToSQLite(t *testing.T) {
	driver, err := Open(context.Background(), Config{
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "default.db")},
		Logger: observe.NopLogger(),
	})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer driver.Close()

	info, err := driver.Info(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Backend != BackendSQLite {
		t.Errorf("backend = %q", info.Backend)
	}
}
