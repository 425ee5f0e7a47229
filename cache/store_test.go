package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonwraymond/futuresfeed/market"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(NewMemoryCache(), Policy{})
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	return store
}

func TestStore_MarkPriceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mp := market.MarkPrice{
		Time:        time.UnixMilli(1700000000000).UTC(),
		Symbol:      "SOL/USDT",
		Price:       104.20,
		FundingRate: 0.0001,
	}
	if err := store.SetMarkPrice(ctx, mp); err != nil {
		t.Fatalf("SetMarkPrice() = %v", err)
	}

	got, ok := store.MarkPrice(ctx, "SOL/USDT")
	if !ok {
		t.Fatal("miss after set")
	}
	if got.Price != 104.20 || got.FundingRate != 0.0001 || !got.Time.Equal(mp.Time) {
		t.Errorf("got = %+v", got)
	}

	if _, ok := store.MarkPrice(ctx, "BTC/USDT"); ok {
		t.Error("hit for uncached symbol")
	}
}

func TestStore_CandleKeyedByTimeframe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000).UTC()

	fiveMin := market.Candle{Time: ts, Symbol: "SOL/USDT", Timeframe: "5m", Close: 104}
	hourly := market.Candle{Time: ts, Symbol: "SOL/USDT", Timeframe: "1h", Close: 105}
	store.SetLatestCandle(ctx, fiveMin)
	store.SetLatestCandle(ctx, hourly)

	got, ok := store.LatestCandle(ctx, "SOL/USDT", "5m")
	if !ok || got.Close != 104 {
		t.Errorf("5m candle = %+v, %v", got, ok)
	}
	got, ok = store.LatestCandle(ctx, "SOL/USDT", "1h")
	if !ok || got.Close != 105 {
		t.Errorf("1h candle = %+v, %v", got, ok)
	}
}

func TestStore_OrderBookRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book := market.OrderBook{
		Time:   time.UnixMilli(1700000000000).UTC(),
		Symbol: "SOL/USDT",
		Bids:   []market.PriceLevel{{Price: 100.00, Quantity: 1000}},
		Asks:   []market.PriceLevel{{Price: 100.05, Quantity: 800}},
	}
	if err := book.ComputeStats(); err != nil {
		t.Fatal(err)
	}
	if err := store.SetOrderBook(ctx, book); err != nil {
		t.Fatalf("SetOrderBook() = %v", err)
	}

	got, ok := store.OrderBook(ctx, "SOL/USDT")
	if !ok {
		t.Fatal("miss after set")
	}
	if got.MidPrice != book.MidPrice || len(got.Bids) != 1 {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_MarkPrices(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.SetMarkPrice(ctx, market.MarkPrice{Symbol: "SOL/USDT", Price: 104})
	store.SetMarkPrice(ctx, market.MarkPrice{Symbol: "BTC/USDT", Price: 43000})

	got := store.MarkPrices(ctx, []string{"SOL/USDT", "BTC/USDT", "ETH/USDT"})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got["SOL/USDT"].Price != 104 || got["BTC/USDT"].Price != 43000 {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_Invalidate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.SetMarkPrice(ctx, market.MarkPrice{Symbol: "SOL/USDT", Price: 104})
	store.SetLatestCandle(ctx, market.Candle{Symbol: "SOL/USDT", Timeframe: "5m", Close: 104})

	if err := store.Invalidate(ctx, "SOL/USDT", []string{"5m"}, nil); err != nil {
		t.Fatalf("Invalidate() = %v", err)
	}
	if _, ok := store.MarkPrice(ctx, "SOL/USDT"); ok {
		t.Error("mark price survived invalidation")
	}
	if _, ok := store.LatestCandle(ctx, "SOL/USDT", "5m"); ok {
		t.Error("candle survived invalidation")
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	store, err := NewStore(NewMemoryCache(), Policy{MarkPriceTTL: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	store.SetMarkPrice(ctx, market.MarkPrice{Symbol: "SOL/USDT", Price: 104})
	time.Sleep(30 * time.Millisecond)

	if _, ok := store.MarkPrice(ctx, "SOL/USDT"); ok {
		t.Error("stale mark price served past TTL")
	}
}

func TestNewStore_NilCache(t *testing.T) {
	if _, err := NewStore(nil, Policy{}); err != ErrNilCache {
		t.Errorf("err = %v, want ErrNilCache", err)
	}
}
