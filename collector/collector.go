package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"time"

	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/exchange"
	"github.com/jonwraymond/futuresfeed/market"
)

// Exchange is the slice of the exchange client the collectors consume.
type Exchange interface {
	Klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]market.Candle, error)
	OpenInterestHist(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]market.OpenInterest, error)
	FundingRates(ctx context.Context, symbol string, start, end time.Time, limit int) ([]market.FundingRate, error)
	Liquidations(ctx context.Context, symbol string, start, end time.Time, limit int) ([]market.Liquidation, error)
	TopLongShortRatio(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]market.LongShortRatio, error)
	Depth(ctx context.Context, symbol string, limit int) (market.OrderBook, error)
}

// Stream is one live WebSocket subscription.
type Stream interface {
	Events() <-chan exchange.Event
	Err() error
	Close()
}

// DialFunc opens a multiplexed stream connection.
type DialFunc func(ctx context.Context, streams []string) (Stream, error)

// Result reports one (symbol, stream) outcome of a backfill run.
type Result struct {
	Resource string
	Symbol   string
	Records  int
	Partial  bool
	Err      error
}

// checksummer accumulates record keys into the window checksum.
type checksummer struct {
	h hash.Hash
}

func newChecksummer() *checksummer {
	return &checksummer{h: sha256.New()}
}

func (c *checksummer) add(key string) {
	c.h.Write([]byte(key))
	c.h.Write([]byte{'\n'})
}

func (c *checksummer) hex() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// saveWithRetry runs a storage write, retrying once on a retryable
// failure. The single retry is the whole budget for storage errors.
func saveWithRetry(ctx context.Context, save func(context.Context) error) error {
	err := classifySave(save(ctx))
	if err == nil || !errtrack.IsRetryable(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	return classifySave(save(ctx))
}

// classifySave marks unclassified write failures as storage errors.
// Drivers return plain wrapped errors; the kind decides retryability.
func classifySave(err error) error {
	if err != nil && errtrack.KindOf(err) == errtrack.KindUnknown {
		return errtrack.E(errtrack.KindStorage, err)
	}
	return err
}
