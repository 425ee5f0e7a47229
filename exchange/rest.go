package exchange

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/market"
)

// Per-endpoint page limits enforced by the exchange.
const (
	MaxKlineLimit        = 1500
	MaxOpenInterestLimit = 500
	MaxFundingLimit      = 1000
	MaxForceOrderLimit   = 1000
	MaxRatioLimit        = 500
)

// depthLimits are the snapshot sizes the depth endpoint accepts.
var depthLimits = map[int]bool{5: true, 10: true, 20: true, 50: true, 100: true, 500: true, 1000: true}

// Klines fetches OHLCV bars for one symbol and timeframe, ascending by
// open time. Zero start or end omits the bound; limit is clamped to the
// endpoint maximum.
func (c *Client) Klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}
	q := url.Values{}
	q.Set("symbol", market.ExchangeSymbol(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(market.Millis(start), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(market.Millis(end), 10))
	}

	var raw [][]any
	err := c.call(ctx, "ohlcv", symbol, func(ctx context.Context) error {
		raw = nil
		return c.get(ctx, "ohlcv", "/fapi/v1/klines", q, &raw)
	})
	if err != nil {
		return nil, err
	}

	canonical := market.CanonicalSymbol(symbol)
	now := time.Now()
	out := make([]market.Candle, 0, len(raw))
	for i, row := range raw {
		candle, err := parseKline(row, canonical, interval, now)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: kline row %d: %w", i, err))
		}
		out = append(out, candle)
	}
	sortByTime(out, func(c market.Candle) time.Time { return c.Time })
	return out, nil
}

// OpenInterestHist fetches historical open-interest samples, ascending.
// The endpoint only serves roughly the last 30 days.
func (c *Client) OpenInterestHist(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]market.OpenInterest, error) {
	if limit <= 0 || limit > MaxOpenInterestLimit {
		limit = MaxOpenInterestLimit
	}
	q := url.Values{}
	q.Set("symbol", market.ExchangeSymbol(symbol))
	q.Set("period", period)
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(market.Millis(start), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(market.Millis(end), 10))
	}

	var raw []struct {
		SumOpenInterest      string `json:"sumOpenInterest"`
		SumOpenInterestValue string `json:"sumOpenInterestValue"`
		Timestamp            int64  `json:"timestamp"`
	}
	err := c.call(ctx, "open_interest", symbol, func(ctx context.Context) error {
		raw = nil
		return c.get(ctx, "open_interest", "/futures/data/openInterestHist", q, &raw)
	})
	if err != nil {
		return nil, err
	}

	canonical := market.CanonicalSymbol(symbol)
	out := make([]market.OpenInterest, 0, len(raw))
	for i, row := range raw {
		oi, err := f64(row.SumOpenInterest)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: open interest row %d: %w", i, err))
		}
		oiv, err := f64(row.SumOpenInterestValue)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: open interest row %d: %w", i, err))
		}
		out = append(out, market.OpenInterest{
			Time:              market.FromMillis(row.Timestamp),
			Symbol:            canonical,
			Period:            period,
			OpenInterest:      oi,
			OpenInterestValue: oiv,
		})
	}
	sortByTime(out, func(o market.OpenInterest) time.Time { return o.Time })
	return out, nil
}

// FundingRates fetches settled funding events, ascending by funding time.
func (c *Client) FundingRates(ctx context.Context, symbol string, start, end time.Time, limit int) ([]market.FundingRate, error) {
	if limit <= 0 || limit > MaxFundingLimit {
		limit = MaxFundingLimit
	}
	q := url.Values{}
	q.Set("symbol", market.ExchangeSymbol(symbol))
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(market.Millis(start), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(market.Millis(end), 10))
	}

	var raw []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
		MarkPrice   string `json:"markPrice"`
	}
	err := c.call(ctx, "funding", symbol, func(ctx context.Context) error {
		raw = nil
		return c.get(ctx, "funding", "/fapi/v1/fundingRate", q, &raw)
	})
	if err != nil {
		return nil, err
	}

	canonical := market.CanonicalSymbol(symbol)
	out := make([]market.FundingRate, 0, len(raw))
	for i, row := range raw {
		rate, err := f64(row.FundingRate)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: funding row %d: %w", i, err))
		}
		// markPrice is empty on some historical rows.
		mark := 0.0
		if row.MarkPrice != "" {
			if mark, err = f64(row.MarkPrice); err != nil {
				return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: funding row %d: %w", i, err))
			}
		}
		out = append(out, market.FundingRate{
			FundingTime: market.FromMillis(row.FundingTime),
			Symbol:      canonical,
			FundingRate: rate,
			MarkPrice:   mark,
		})
	}
	sortByTime(out, func(f market.FundingRate) time.Time { return f.FundingTime })
	return out, nil
}

// Liquidations fetches historical forced orders, ascending. The exchange
// does not expose an order id on forced orders; ids are derived
// deterministically from the order fields so re-fetching the same window
// deduplicates on write.
func (c *Client) Liquidations(ctx context.Context, symbol string, start, end time.Time, limit int) ([]market.Liquidation, error) {
	if limit <= 0 || limit > MaxForceOrderLimit {
		limit = MaxForceOrderLimit
	}
	q := url.Values{}
	q.Set("symbol", market.ExchangeSymbol(symbol))
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(market.Millis(start), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(market.Millis(end), 10))
	}

	var raw []struct {
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		Price        string `json:"price"`
		OrigQty      string `json:"origQty"`
		AveragePrice string `json:"averagePrice"`
		Time         int64  `json:"time"`
	}
	err := c.call(ctx, "liquidations", symbol, func(ctx context.Context) error {
		raw = nil
		return c.get(ctx, "liquidations", "/fapi/v1/allForceOrders", q, &raw)
	})
	if err != nil {
		return nil, err
	}

	canonical := market.CanonicalSymbol(symbol)
	out := make([]market.Liquidation, 0, len(raw))
	for i, row := range raw {
		priceStr := row.AveragePrice
		if priceStr == "" || priceStr == "0" {
			priceStr = row.Price
		}
		price, err := f64(priceStr)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: liquidation row %d: %w", i, err))
		}
		qty, err := f64(row.OrigQty)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: liquidation row %d: %w", i, err))
		}
		out = append(out, market.Liquidation{
			OrderID:  liquidationID(row.Time, row.Symbol, row.Side, priceStr, row.OrigQty),
			Time:     market.FromMillis(row.Time),
			Symbol:   canonical,
			Side:     market.Side(row.Side),
			Price:    price,
			Quantity: qty,
		})
	}
	sortByTime(out, func(l market.Liquidation) time.Time { return l.Time })
	return out, nil
}

// TopLongShortRatio fetches top-trader long/short account ratio samples,
// ascending.
func (c *Client) TopLongShortRatio(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]market.LongShortRatio, error) {
	if limit <= 0 || limit > MaxRatioLimit {
		limit = MaxRatioLimit
	}
	q := url.Values{}
	q.Set("symbol", market.ExchangeSymbol(symbol))
	q.Set("period", period)
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(market.Millis(start), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(market.Millis(end), 10))
	}

	var raw []struct {
		LongShortRatio string `json:"longShortRatio"`
		LongAccount    string `json:"longAccount"`
		ShortAccount   string `json:"shortAccount"`
		Timestamp      int64  `json:"timestamp"`
	}
	err := c.call(ctx, "long_short_ratio", symbol, func(ctx context.Context) error {
		raw = nil
		return c.get(ctx, "long_short_ratio", "/futures/data/topLongShortAccountRatio", q, &raw)
	})
	if err != nil {
		return nil, err
	}

	canonical := market.CanonicalSymbol(symbol)
	out := make([]market.LongShortRatio, 0, len(raw))
	for i, row := range raw {
		ratio, err := f64(row.LongShortRatio)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: ratio row %d: %w", i, err))
		}
		long, err := f64(row.LongAccount)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: ratio row %d: %w", i, err))
		}
		short, err := f64(row.ShortAccount)
		if err != nil {
			return nil, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: ratio row %d: %w", i, err))
		}
		out = append(out, market.LongShortRatio{
			Time:           market.FromMillis(row.Timestamp),
			Symbol:         canonical,
			Period:         period,
			LongShortRatio: ratio,
			LongAccount:    long,
			ShortAccount:   short,
		})
	}
	sortByTime(out, func(r market.LongShortRatio) time.Time { return r.Time })
	return out, nil
}

// Depth fetches a full order-book snapshot and computes its aggregates.
// limit must be one of the sizes the endpoint accepts.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (market.OrderBook, error) {
	if limit == 0 {
		limit = 100
	}
	if !depthLimits[limit] {
		return market.OrderBook{}, errtrack.Ef(errtrack.KindValidation, "exchange: invalid depth limit %d", limit)
	}
	q := url.Values{}
	q.Set("symbol", market.ExchangeSymbol(symbol))
	q.Set("limit", strconv.Itoa(limit))

	var raw struct {
		EventTime int64       `json:"E"`
		TradeTime int64       `json:"T"`
		Bids      [][2]string `json:"bids"`
		Asks      [][2]string `json:"asks"`
	}
	err := c.call(ctx, "order_book", symbol, func(ctx context.Context) error {
		raw.Bids, raw.Asks = nil, nil
		return c.get(ctx, "order_book", "/fapi/v1/depth", q, &raw)
	})
	if err != nil {
		return market.OrderBook{}, err
	}

	ts := raw.TradeTime
	if ts == 0 {
		ts = raw.EventTime
	}
	book := market.OrderBook{
		Time:   market.FromMillis(ts),
		Symbol: market.CanonicalSymbol(symbol),
	}
	if ts == 0 {
		book.Time = time.Now().UTC()
	}
	if book.Bids, err = parseLevels(raw.Bids); err != nil {
		return market.OrderBook{}, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: depth bids: %w", err))
	}
	if book.Asks, err = parseLevels(raw.Asks); err != nil {
		return market.OrderBook{}, errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: depth asks: %w", err))
	}
	if err := book.ComputeStats(); err != nil {
		return market.OrderBook{}, errtrack.E(errtrack.KindValidation, err)
	}
	return book, nil
}

// Ping verifies REST connectivity. The endpoint returns an empty object.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", "", func(ctx context.Context) error {
		var raw struct{}
		return c.get(ctx, "ping", "/fapi/v1/ping", nil, &raw)
	})
}

// parseKline decodes one kline row. Rows are positional arrays with
// string-typed prices.
func parseKline(row []any, symbol, interval string, now time.Time) (market.Candle, error) {
	if len(row) < 11 {
		return market.Candle{}, fmt.Errorf("short row: %d fields", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return market.Candle{}, fmt.Errorf("open time is %T", row[0])
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return market.Candle{}, fmt.Errorf("close time is %T", row[6])
	}
	trades, ok := row[8].(float64)
	if !ok {
		return market.Candle{}, fmt.Errorf("trade count is %T", row[8])
	}

	var vals [7]float64
	for i, idx := range []int{1, 2, 3, 4, 5, 7, 9} {
		s, ok := row[idx].(string)
		if !ok {
			return market.Candle{}, fmt.Errorf("field %d is %T", idx, row[idx])
		}
		v, err := f64(s)
		if err != nil {
			return market.Candle{}, err
		}
		vals[i] = v
	}
	takerQuote, ok := row[10].(string)
	if !ok {
		return market.Candle{}, fmt.Errorf("field 10 is %T", row[10])
	}
	tbq, err := f64(takerQuote)
	if err != nil {
		return market.Candle{}, err
	}

	return market.Candle{
		Time:          market.FromMillis(int64(openTime)),
		Symbol:        symbol,
		Timeframe:     interval,
		Open:          vals[0],
		High:          vals[1],
		Low:           vals[2],
		Close:         vals[3],
		Volume:        vals[4],
		QuoteVolume:   vals[5],
		Trades:        int64(trades),
		TakerBuyBase:  vals[6],
		TakerBuyQuote: tbq,
		Closed:        market.Millis(now) > int64(closeTime),
	}, nil
}

func parseLevels(rows [][2]string) ([]market.PriceLevel, error) {
	out := make([]market.PriceLevel, 0, len(rows))
	for _, row := range rows {
		price, err := f64(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := f64(row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, market.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// liquidationID builds the deterministic forced-order id.
func liquidationID(millis int64, exchangeSymbol, side, price, qty string) string {
	return fmt.Sprintf("%d-%s-%s-%s-%s", millis, exchangeSymbol, side, price, qty)
}

func f64(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}

func sortByTime[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return at(items[i]).Before(at(items[j]))
	})
}
