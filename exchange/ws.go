package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
)

// readTimeout bounds the gap between inbound frames. The exchange pings
// roughly every 3 minutes, so a silent connection past this is dead.
const readTimeout = 4 * time.Minute

// KlineStream names the candlestick stream for one symbol and timeframe.
func KlineStream(symbol, interval string) string {
	return market.StreamSymbol(symbol) + "@kline_" + interval
}

// MarkPriceStream names the mark-price stream for one symbol.
func MarkPriceStream(symbol string) string {
	return market.StreamSymbol(symbol) + "@markPrice"
}

// ForceOrderStream names the liquidation stream for one symbol.
func ForceOrderStream(symbol string) string {
	return market.StreamSymbol(symbol) + "@forceOrder"
}

// EventKind discriminates Subscription events.
type EventKind string

const (
	EventKline       EventKind = "kline"
	EventMarkPrice   EventKind = "markPrice"
	EventLiquidation EventKind = "forceOrder"
)

// Event is one decoded stream message. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind   EventKind
	Stream string

	Candle      *market.Candle
	MarkPrice   *market.MarkPrice
	Liquidation *market.Liquidation
}

// Subscription is one multiplexed WebSocket connection. Events are
// delivered on Events until the connection drops or Close is called;
// after the channel closes, Err reports why. Reconnection is the
// caller's job.
type Subscription struct {
	conn    *websocket.Conn
	events  chan Event
	logger  observe.Logger
	metrics observe.Metrics

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
	done      chan struct{}
}

// SubscribeStreams opens one combined-stream connection carrying all the
// named streams. Stream names come from KlineStream, MarkPriceStream, and
// ForceOrderStream.
func (c *Client) SubscribeStreams(ctx context.Context, streams []string) (*Subscription, error) {
	if len(streams) == 0 {
		return nil, errtrack.Ef(errtrack.KindValidation, "exchange: no streams requested")
	}

	u := c.wsBaseURL + "/stream?streams=" + strings.Join(streams, "/")
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("exchange: dial %s: status %d: %w", u, resp.StatusCode, err)
		}
		return nil, errtrack.E(errtrack.KindNetwork, err)
	}

	s := &Subscription{
		conn:    conn,
		events:  make(chan Event, 256),
		logger:  c.logger,
		metrics: c.metrics,
		done:    make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	go s.readLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	c.logger.Info(ctx, "stream connection open",
		observe.F("streams", len(streams)),
	)
	return s, nil
}

// Events returns the decoded event channel. It is closed when the
// connection ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the read error that ended the subscription, nil after a
// clean Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Close tears down the connection. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Clean shutdown.
			default:
				s.mu.Lock()
				s.readErr = errtrack.E(errtrack.KindNetwork, err)
				s.mu.Unlock()
			}
			s.Close()
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		event, ok, err := decodeEnvelope(data)
		if err != nil {
			s.logger.Warn(ctx, "dropping undecodable stream message",
				observe.F("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		s.metrics.StreamMessage(ctx, string(event.Kind))

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

// envelope is the combined-stream wrapper: {"stream": "...", "data": {...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// decodeEnvelope unwraps one frame. Unknown stream suffixes are skipped,
// not errors, so new stream types never kill a connection.
func decodeEnvelope(data []byte) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("envelope: %w", err)
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return Event{}, false, nil
	}

	switch {
	case strings.Contains(env.Stream, "@kline"):
		candle, err := decodeKlineEvent(env.Data)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventKline, Stream: env.Stream, Candle: candle}, true, nil
	case strings.Contains(env.Stream, "@markPrice"):
		mp, err := decodeMarkPriceEvent(env.Data)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventMarkPrice, Stream: env.Stream, MarkPrice: mp}, true, nil
	case strings.Contains(env.Stream, "@forceOrder"):
		liq, err := decodeForceOrderEvent(env.Data)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventLiquidation, Stream: env.Stream, Liquidation: liq}, true, nil
	default:
		return Event{}, false, nil
	}
}

// klineEvent is the candlestick payload. Prices arrive as strings.
type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime      int64  `json:"t"`
		Interval      string `json:"i"`
		Open          string `json:"o"`
		Close         string `json:"c"`
		High          string `json:"h"`
		Low           string `json:"l"`
		Volume        string `json:"v"`
		Trades        int64  `json:"n"`
		Final         bool   `json:"x"`
		QuoteVolume   string `json:"q"`
		TakerBuyBase  string `json:"V"`
		TakerBuyQuote string `json:"Q"`
	} `json:"k"`
}

func decodeKlineEvent(data []byte) (*market.Candle, error) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}
	k := ev.Kline

	candle := market.Candle{
		Time:      market.FromMillis(k.OpenTime),
		Symbol:    market.CanonicalSymbol(ev.Symbol),
		Timeframe: k.Interval,
		Trades:    k.Trades,
		Closed:    k.Final,
	}
	for _, f := range []struct {
		s   string
		dst *float64
	}{
		{k.Open, &candle.Open},
		{k.High, &candle.High},
		{k.Low, &candle.Low},
		{k.Close, &candle.Close},
		{k.Volume, &candle.Volume},
		{k.QuoteVolume, &candle.QuoteVolume},
		{k.TakerBuyBase, &candle.TakerBuyBase},
		{k.TakerBuyQuote, &candle.TakerBuyQuote},
	} {
		v, err := f64(f.s)
		if err != nil {
			return nil, fmt.Errorf("kline: %w", err)
		}
		*f.dst = v
	}
	return &candle, nil
}

// markPriceEvent is the mark-price payload.
type markPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

func decodeMarkPriceEvent(data []byte) (*market.MarkPrice, error) {
	var ev markPriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("mark price: %w", err)
	}

	mp := market.MarkPrice{
		Time:            market.FromMillis(ev.EventTime),
		Symbol:          market.CanonicalSymbol(ev.Symbol),
		NextFundingTime: market.FromMillis(ev.NextFundingTime),
	}
	var err error
	if mp.Price, err = f64(ev.MarkPrice); err != nil {
		return nil, fmt.Errorf("mark price: %w", err)
	}
	if ev.IndexPrice != "" {
		if mp.IndexPrice, err = f64(ev.IndexPrice); err != nil {
			return nil, fmt.Errorf("mark price: %w", err)
		}
	}
	if ev.FundingRate != "" {
		if mp.FundingRate, err = f64(ev.FundingRate); err != nil {
			return nil, fmt.Errorf("mark price: %w", err)
		}
	}
	return &mp, nil
}

// forceOrderEvent is the liquidation payload.
type forceOrderEvent struct {
	Order struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Quantity     string `json:"q"`
		Price        string `json:"p"`
		AveragePrice string `json:"ap"`
		TradeTime    int64  `json:"T"`
	} `json:"o"`
}

func decodeForceOrderEvent(data []byte) (*market.Liquidation, error) {
	var ev forceOrderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("force order: %w", err)
	}
	o := ev.Order

	priceStr := o.AveragePrice
	if priceStr == "" || priceStr == "0" {
		priceStr = o.Price
	}
	price, err := f64(priceStr)
	if err != nil {
		return nil, fmt.Errorf("force order: %w", err)
	}
	qty, err := f64(o.Quantity)
	if err != nil {
		return nil, fmt.Errorf("force order: %w", err)
	}

	return &market.Liquidation{
		OrderID:  liquidationID(o.TradeTime, o.Symbol, o.Side, priceStr, o.Quantity),
		Time:     market.FromMillis(o.TradeTime),
		Symbol:   market.CanonicalSymbol(o.Symbol),
		Side:     market.Side(o.Side),
		Price:    price,
		Quantity: qty,
	}, nil
}
