package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/jonwraymond/futuresfeed/market"
)

// Policy holds per-kind TTLs. The hot cache only ever serves "latest
// known" reads; stale entries age out rather than being invalidated.
type Policy struct {
	// MarkPriceTTL bounds mark-price staleness. Default: 30 seconds
	MarkPriceTTL time.Duration

	// CandleTTL bounds latest-candle staleness. Default: 5 minutes
	CandleTTL time.Duration

	// OrderBookTTL bounds snapshot staleness. Default: 30 seconds
	OrderBookTTL time.Duration

	// RatioTTL bounds long/short ratio staleness. Default: 5 minutes
	RatioTTL time.Duration
}

// DefaultPolicy returns the standard TTLs.
func DefaultPolicy() Policy {
	return Policy{
		MarkPriceTTL: 30 * time.Second,
		CandleTTL:    5 * time.Minute,
		OrderBookTTL: 30 * time.Second,
		RatioTTL:     5 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MarkPriceTTL <= 0 {
		p.MarkPriceTTL = d.MarkPriceTTL
	}
	if p.CandleTTL <= 0 {
		p.CandleTTL = d.CandleTTL
	}
	if p.OrderBookTTL <= 0 {
		p.OrderBookTTL = d.OrderBookTTL
	}
	if p.RatioTTL <= 0 {
		p.RatioTTL = d.RatioTTL
	}
	return p
}

// Store is the typed layer over a Cache. Keys are "<kind>:<symbol>" with
// an optional qualifier, one entry per symbol holding the latest record.
type Store struct {
	cache  Cache
	policy Policy
}

// NewStore wraps a cache with market-record encoding.
func NewStore(c Cache, policy Policy) (*Store, error) {
	if c == nil {
		return nil, ErrNilCache
	}
	return &Store{cache: c, policy: policy.withDefaults()}, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("cache: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("cache: decode: %w", err)
	}
	return nil
}

func markPriceKey(symbol string) string { return "mark_price:" + symbol }
func candleKey(symbol, timeframe string) string {
	return "latest_candle:" + timeframe + ":" + symbol
}
func orderBookKey(symbol string) string { return "order_book:" + symbol }
func ratioKey(symbol, period string) string {
	return "long_short_ratio:" + period + ":" + symbol
}

// SetMarkPrice stores the latest mark price for its symbol.
func (s *Store) SetMarkPrice(ctx context.Context, mp market.MarkPrice) error {
	data, err := encode(mp)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, markPriceKey(mp.Symbol), data, s.policy.MarkPriceTTL)
}

// MarkPrice returns the latest cached mark price.
func (s *Store) MarkPrice(ctx context.Context, symbol string) (market.MarkPrice, bool) {
	data, ok := s.cache.Get(ctx, markPriceKey(symbol))
	if !ok {
		return market.MarkPrice{}, false
	}
	var mp market.MarkPrice
	if decode(data, &mp) != nil {
		return market.MarkPrice{}, false
	}
	return mp, true
}

// SetLatestCandle stores the latest candle for its symbol and timeframe.
func (s *Store) SetLatestCandle(ctx context.Context, c market.Candle) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, candleKey(c.Symbol, c.Timeframe), data, s.policy.CandleTTL)
}

// LatestCandle returns the latest cached candle.
func (s *Store) LatestCandle(ctx context.Context, symbol, timeframe string) (market.Candle, bool) {
	data, ok := s.cache.Get(ctx, candleKey(symbol, timeframe))
	if !ok {
		return market.Candle{}, false
	}
	var c market.Candle
	if decode(data, &c) != nil {
		return market.Candle{}, false
	}
	return c, true
}

// SetOrderBook stores the latest depth snapshot for its symbol.
func (s *Store) SetOrderBook(ctx context.Context, book market.OrderBook) error {
	data, err := encode(book)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, orderBookKey(book.Symbol), data, s.policy.OrderBookTTL)
}

// OrderBook returns the latest cached depth snapshot.
func (s *Store) OrderBook(ctx context.Context, symbol string) (market.OrderBook, bool) {
	data, ok := s.cache.Get(ctx, orderBookKey(symbol))
	if !ok {
		return market.OrderBook{}, false
	}
	var book market.OrderBook
	if decode(data, &book) != nil {
		return market.OrderBook{}, false
	}
	return book, true
}

// SetLongShortRatio stores the latest ratio sample.
func (s *Store) SetLongShortRatio(ctx context.Context, r market.LongShortRatio) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, ratioKey(r.Symbol, r.Period), data, s.policy.RatioTTL)
}

// LongShortRatio returns the latest cached ratio sample.
func (s *Store) LongShortRatio(ctx context.Context, symbol, period string) (market.LongShortRatio, bool) {
	data, ok := s.cache.Get(ctx, ratioKey(symbol, period))
	if !ok {
		return market.LongShortRatio{}, false
	}
	var r market.LongShortRatio
	if decode(data, &r) != nil {
		return market.LongShortRatio{}, false
	}
	return r, true
}

// MarkPrices returns cached mark prices for several symbols at once,
// keyed by symbol. Missing symbols are absent from the result.
func (s *Store) MarkPrices(ctx context.Context, symbols []string) map[string]market.MarkPrice {
	keys := make([]string, len(symbols))
	for i, symbol := range symbols {
		keys[i] = markPriceKey(symbol)
	}
	values := s.cache.GetMulti(ctx, keys)

	out := make(map[string]market.MarkPrice, len(values))
	for i, symbol := range symbols {
		data, ok := values[keys[i]]
		if !ok {
			continue
		}
		var mp market.MarkPrice
		if decode(data, &mp) == nil {
			out[symbol] = mp
		}
	}
	return out
}

// Invalidate drops every cached entry for one symbol.
func (s *Store) Invalidate(ctx context.Context, symbol string, timeframes, periods []string) error {
	keys := []string{markPriceKey(symbol), orderBookKey(symbol)}
	for _, tf := range timeframes {
		keys = append(keys, candleKey(symbol, tf))
	}
	for _, p := range periods {
		keys = append(keys, ratioKey(symbol, p))
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
