package market

import (
	"fmt"
	"time"
)

// FundingInterval is the exchange's funding period.
const FundingInterval = 8 * time.Hour

// Side is the taker side of a forced order. BUY liquidates a short
// position, SELL liquidates a long position (pass-through from the
// exchange).
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// BookSide tags an order-book row.
type BookSide string

const (
	BookBid BookSide = "BID"
	BookAsk BookSide = "ASK"
)

// Candle is one OHLCV bar. An open (not yet closed) candle may be
// rewritten by a later fetch; a closed candle is last-writer-wins on its
// (time, symbol, timeframe) key.
type Candle struct {
	Time          time.Time
	Symbol        string
	Timeframe     string
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	QuoteVolume   float64
	Trades        int64
	TakerBuyBase  float64
	TakerBuyQuote float64
	Closed        bool
}

// Key returns the candle's uniqueness key.
func (c Candle) Key() string {
	return fmt.Sprintf("%d|%s|%s", c.Time.UnixMilli(), c.Symbol, c.Timeframe)
}

// OpenInterest is one open-interest sample.
type OpenInterest struct {
	Time              time.Time
	Symbol            string
	Period            string
	OpenInterest      float64
	OpenInterestValue float64
}

// Key returns the sample's uniqueness key.
func (o OpenInterest) Key() string {
	return fmt.Sprintf("%d|%s|%s", o.Time.UnixMilli(), o.Symbol, o.Period)
}

// FundingRate is one funding event. Funding records are immutable.
type FundingRate struct {
	FundingTime time.Time
	Symbol      string
	FundingRate float64
	MarkPrice   float64
}

// Key returns the event's uniqueness key.
func (f FundingRate) Key() string {
	return fmt.Sprintf("%d|%s", f.FundingTime.UnixMilli(), f.Symbol)
}

// Liquidation is one forced order. OrderID is unique; duplicates are
// silently ignored by the storage drivers.
type Liquidation struct {
	OrderID  string
	Time     time.Time
	Symbol   string
	Side     Side
	Price    float64
	Quantity float64
}

// Key returns the liquidation's uniqueness key.
func (l Liquidation) Key() string {
	return l.OrderID
}

// LongShortRatio is one top-trader long/short account ratio sample.
type LongShortRatio struct {
	Time           time.Time
	Symbol         string
	Period         string
	LongShortRatio float64
	LongAccount    float64
	ShortAccount   float64
}

// Key returns the sample's uniqueness key.
func (r LongShortRatio) Key() string {
	return fmt.Sprintf("%d|%s|%s", r.Time.UnixMilli(), r.Symbol, r.Period)
}

// MarkPrice is a streaming mark-price update. Mark prices are cached for
// consumers but not persisted; funding events arrive through FundingRate.
type MarkPrice struct {
	Time            time.Time
	Symbol          string
	Price           float64
	IndexPrice      float64
	FundingRate     float64
	NextFundingTime time.Time
}

// PriceLevel is one side-agnostic depth level.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook is a full depth snapshot at one timestamp. Snapshots replace
// any previous snapshot at the same timestamp wholesale.
type OrderBook struct {
	Time   time.Time
	Symbol string
	Bids   []PriceLevel // descending by price
	Asks   []PriceLevel // ascending by price

	BestBid   float64
	BestAsk   float64
	Spread    float64
	SpreadBps float64
	MidPrice  float64
}

// BookLevel is one flattened order-book row as stored.
type BookLevel struct {
	Time     time.Time
	Symbol   string
	Side     BookSide
	Level    int
	Price    float64
	Quantity float64
}

// Levels flattens the snapshot into storage rows, bids first. Levels are
// 1-indexed from best price.
func (b OrderBook) Levels() []BookLevel {
	out := make([]BookLevel, 0, len(b.Bids)+len(b.Asks))
	for i, lv := range b.Bids {
		out = append(out, BookLevel{
			Time: b.Time, Symbol: b.Symbol, Side: BookBid,
			Level: i + 1, Price: lv.Price, Quantity: lv.Quantity,
		})
	}
	for i, lv := range b.Asks {
		out = append(out, BookLevel{
			Time: b.Time, Symbol: b.Symbol, Side: BookAsk,
			Level: i + 1, Price: lv.Price, Quantity: lv.Quantity,
		})
	}
	return out
}

// ComputeStats fills the aggregate fields from the best levels. It returns
// an error when either side is empty or the book is crossed.
func (b *OrderBook) ComputeStats() error {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return fmt.Errorf("market: order book for %s has an empty side", b.Symbol)
	}
	b.BestBid = b.Bids[0].Price
	b.BestAsk = b.Asks[0].Price
	if b.BestAsk <= b.BestBid {
		return fmt.Errorf("market: crossed book for %s: bid %v >= ask %v", b.Symbol, b.BestBid, b.BestAsk)
	}
	b.Spread = b.BestAsk - b.BestBid
	b.MidPrice = (b.BestBid + b.BestAsk) / 2
	b.SpreadBps = b.Spread / b.MidPrice * 10000
	return nil
}

// DataVersion records one completed backfill window. Versions form a
// monotonic append-only log per table.
type DataVersion struct {
	ID          int64
	Table       string
	Symbol      string
	WindowStart time.Time
	WindowEnd   time.Time
	RecordCount int64
	Checksum    string
	CreatedAt   time.Time
}
