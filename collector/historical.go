package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/exchange"
	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
	"github.com/jonwraymond/futuresfeed/resilience"
	"github.com/jonwraymond/futuresfeed/storage"
)

// HistoricalConfig configures a backfill run.
type HistoricalConfig struct {
	// Symbols are canonical "BASE/QUOTE" pairs.
	Symbols []string

	// Timeframes are the candle intervals to backfill. Default: ["5m"]
	Timeframes []string

	// Periods are the open-interest and ratio sampling periods.
	// Default: ["5m"]
	Periods []string

	// Start and End bound the window. Zero End means now.
	Start time.Time
	End   time.Time

	// DepthLimit is the order-book snapshot size. Default: 100
	DepthLimit int

	// SkipOrderBook drops the depth snapshot from the run.
	SkipOrderBook bool

	// MaxConcurrent bounds simultaneously running streams. Default: 3
	MaxConcurrent int

	// CandlePageGap paces candle pagination. Default: 200ms
	CandlePageGap time.Duration

	// SamplePageGap paces the sampled endpoints. Default: 300ms
	SamplePageGap time.Duration

	// FailurePause is the wait before refetching the same cursor after a
	// retryable failure. Default: 2 seconds
	FailurePause time.Duration

	// MaxFailures is the consecutive-failure budget per stream.
	// Default: 3
	MaxFailures int

	Logger  observe.Logger
	Metrics observe.Metrics
	Tracker *errtrack.Tracker
}

// Historical is the backfill collector.
type Historical struct {
	exchange Exchange
	store    storage.Driver
	config   HistoricalConfig

	candleGap *resilience.Gap
	sampleGap *resilience.Gap
}

// NewHistorical creates a backfill collector.
func NewHistorical(exch Exchange, store storage.Driver, config HistoricalConfig) *Historical {
	if len(config.Timeframes) == 0 {
		config.Timeframes = []string{"5m"}
	}
	if len(config.Periods) == 0 {
		config.Periods = []string{"5m"}
	}
	if config.DepthLimit <= 0 {
		config.DepthLimit = 100
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 3
	}
	if config.CandlePageGap <= 0 {
		config.CandlePageGap = 200 * time.Millisecond
	}
	if config.SamplePageGap <= 0 {
		config.SamplePageGap = 300 * time.Millisecond
	}
	if config.FailurePause <= 0 {
		config.FailurePause = 2 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 3
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observe.NopMetrics()
	}

	return &Historical{
		exchange:  exch,
		store:     store,
		config:    config,
		candleGap: resilience.NewGap(config.CandlePageGap),
		sampleGap: resilience.NewGap(config.SamplePageGap),
	}
}

func (h *Historical) window() (time.Time, time.Time) {
	end := h.config.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return h.config.Start, end
}

// stream is one generic pagination run. fetch reads a page at the cursor,
// step advances the cursor past the last record, key dedupes page
// overlap, validate screens each page, and save persists it.
type stream[T any] struct {
	gap      *resilience.Gap
	fetch    func(ctx context.Context, cursor, end time.Time) ([]T, error)
	step     func(last T) time.Time
	timeOf   func(T) time.Time
	key      func(T) string
	validate func([]T) market.Report
	save     func(ctx context.Context, batch []T) (int, error)
}

// run paginates [start, end]. It returns the record count, the window
// checksum, and whether the stream ended early (partial).
func runStream[T any](ctx context.Context, h *Historical, resource, symbol string, s stream[T], start, end time.Time) (int, string, bool, error) {
	cursor := start
	seen := make(map[string]struct{})
	sum := newChecksummer()
	records := 0
	failures := 0

	for {
		if err := s.gap.Wait(ctx); err != nil {
			return records, sum.hex(), true, err
		}

		batch, err := s.fetch(ctx, cursor, end)
		if err != nil {
			kind := errtrack.KindOf(err)
			if kind == errtrack.KindCircuitOpen {
				h.config.Logger.Warn(ctx, "circuit open, skipping stream",
					observe.F("resource", resource), observe.F("symbol", symbol))
				return records, sum.hex(), true, err
			}
			if !errtrack.IsRetryable(err) {
				return records, sum.hex(), true, err
			}
			failures++
			if failures > h.config.MaxFailures {
				return records, sum.hex(), true, err
			}
			h.config.Logger.Warn(ctx, "page fetch failed, pausing",
				observe.F("resource", resource), observe.F("symbol", symbol),
				observe.F("failures", failures), observe.F("error", err.Error()))
			select {
			case <-ctx.Done():
				return records, sum.hex(), true, ctx.Err()
			case <-time.After(h.config.FailurePause):
			}
			continue
		}
		failures = 0

		// Drop page overlap and records past the window end.
		fresh := make([]T, 0, len(batch))
		for _, rec := range batch {
			if s.timeOf(rec).After(end) {
				continue
			}
			k := s.key(rec)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			fresh = append(fresh, rec)
		}

		if len(fresh) > 0 {
			report := s.validate(fresh)
			for _, w := range report.Warnings {
				h.config.Logger.Warn(ctx, "validation warning",
					observe.F("resource", resource), observe.F("symbol", symbol), observe.F("finding", w))
			}
			if !report.OK() {
				err := errtrack.E(errtrack.KindValidation, report.Err())
				if h.config.Tracker != nil {
					h.config.Tracker.Record(errtrack.KindValidation, err,
						map[string]string{"resource": resource, "symbol": symbol}, errtrack.SeverityError)
				}
				return records, sum.hex(), true, err
			}

			err := saveWithRetry(ctx, func(ctx context.Context) error {
				_, serr := s.save(ctx, fresh)
				return serr
			})
			if err != nil {
				if h.config.Tracker != nil {
					h.config.Tracker.Record(errtrack.KindStorage, err,
						map[string]string{"resource": resource, "symbol": symbol}, errtrack.SeverityCritical)
				}
				return records, sum.hex(), true, errtrack.E(errtrack.KindStorage, err)
			}
			records += len(fresh)
			for _, rec := range fresh {
				sum.add(s.key(rec))
			}
		}

		if len(batch) == 0 {
			break
		}
		next := s.step(batch[len(batch)-1])
		if !next.After(cursor) {
			break
		}
		cursor = next
		if cursor.After(end) {
			break
		}
	}
	return records, sum.hex(), false, nil
}

// finish records the data version for a completed stream window.
func (h *Historical) finish(ctx context.Context, table, symbol string, start, end time.Time, records int, checksum string, partial bool, err error) Result {
	result := Result{Resource: table, Symbol: symbol, Records: records, Partial: partial, Err: err}
	if partial || records == 0 {
		return result
	}
	version := &market.DataVersion{
		Table:       table,
		Symbol:      symbol,
		WindowStart: start,
		WindowEnd:   end,
		RecordCount: int64(records),
		Checksum:    checksum,
	}
	if verr := h.store.SaveDataVersion(ctx, version); verr != nil {
		h.config.Logger.Error(ctx, "data version not recorded",
			observe.F("table", table), observe.F("symbol", symbol), observe.F("error", verr.Error()))
	}
	return result
}

// CollectCandles backfills one symbol and timeframe.
func (h *Historical) CollectCandles(ctx context.Context, symbol, timeframe string) Result {
	start, end := h.window()
	table := fmt.Sprintf("%s_%s", storage.TableCandles, timeframe)

	interval, err := market.IntervalDuration(timeframe)
	if err != nil {
		return Result{Resource: table, Symbol: symbol, Partial: true, Err: errtrack.E(errtrack.KindConfig, err)}
	}

	records, checksum, partial, err := runStream(ctx, h, table, symbol, stream[market.Candle]{
		gap: h.candleGap,
		fetch: func(ctx context.Context, cursor, end time.Time) ([]market.Candle, error) {
			return h.exchange.Klines(ctx, symbol, timeframe, cursor, end, exchange.MaxKlineLimit)
		},
		step:     func(last market.Candle) time.Time { return last.Time.Add(interval) },
		timeOf:   func(c market.Candle) time.Time { return c.Time },
		key:      market.Candle.Key,
		validate: market.ValidateCandles,
		save:     h.store.SaveCandles,
	}, start, end)
	return h.finish(ctx, table, symbol, start, end, records, checksum, partial, err)
}

// CollectOpenInterest backfills one symbol and sampling period.
func (h *Historical) CollectOpenInterest(ctx context.Context, symbol, period string) Result {
	start, end := h.window()
	table := fmt.Sprintf("%s_%s", storage.TableOpenInterest, period)

	step, err := market.IntervalDuration(period)
	if err != nil {
		return Result{Resource: table, Symbol: symbol, Partial: true, Err: errtrack.E(errtrack.KindConfig, err)}
	}

	records, checksum, partial, err := runStream(ctx, h, table, symbol, stream[market.OpenInterest]{
		gap: h.sampleGap,
		fetch: func(ctx context.Context, cursor, end time.Time) ([]market.OpenInterest, error) {
			return h.exchange.OpenInterestHist(ctx, symbol, period, cursor, end, exchange.MaxOpenInterestLimit)
		},
		step:     func(last market.OpenInterest) time.Time { return last.Time.Add(step) },
		timeOf:   func(s market.OpenInterest) time.Time { return s.Time },
		key:      market.OpenInterest.Key,
		validate: market.ValidateOpenInterest,
		save:     h.store.SaveOpenInterest,
	}, start, end)
	return h.finish(ctx, table, symbol, start, end, records, checksum, partial, err)
}

// CollectFundingRates backfills funding events for one symbol.
func (h *Historical) CollectFundingRates(ctx context.Context, symbol string) Result {
	start, end := h.window()

	records, checksum, partial, err := runStream(ctx, h, storage.TableFundingRates, symbol, stream[market.FundingRate]{
		gap: h.sampleGap,
		fetch: func(ctx context.Context, cursor, end time.Time) ([]market.FundingRate, error) {
			return h.exchange.FundingRates(ctx, symbol, cursor, end, exchange.MaxFundingLimit)
		},
		step:     func(last market.FundingRate) time.Time { return last.FundingTime.Add(market.FundingInterval) },
		timeOf:   func(f market.FundingRate) time.Time { return f.FundingTime },
		key:      market.FundingRate.Key,
		validate: market.ValidateFundingRates,
		save:     h.store.SaveFundingRates,
	}, start, end)
	return h.finish(ctx, storage.TableFundingRates, symbol, start, end, records, checksum, partial, err)
}

// CollectLiquidations backfills forced orders for one symbol.
func (h *Historical) CollectLiquidations(ctx context.Context, symbol string) Result {
	start, end := h.window()

	records, checksum, partial, err := runStream(ctx, h, storage.TableLiquidations, symbol, stream[market.Liquidation]{
		gap: h.sampleGap,
		fetch: func(ctx context.Context, cursor, end time.Time) ([]market.Liquidation, error) {
			return h.exchange.Liquidations(ctx, symbol, cursor, end, exchange.MaxForceOrderLimit)
		},
		step:     func(last market.Liquidation) time.Time { return last.Time.Add(time.Millisecond) },
		timeOf:   func(l market.Liquidation) time.Time { return l.Time },
		key:      market.Liquidation.Key,
		validate: market.ValidateLiquidations,
		save:     h.store.SaveLiquidations,
	}, start, end)
	return h.finish(ctx, storage.TableLiquidations, symbol, start, end, records, checksum, partial, err)
}

// CollectLongShortRatios backfills top-trader ratios for one symbol and
// period.
func (h *Historical) CollectLongShortRatios(ctx context.Context, symbol, period string) Result {
	start, end := h.window()
	table := fmt.Sprintf("%s_%s", storage.TableLongShortRatio, period)

	step, err := market.IntervalDuration(period)
	if err != nil {
		return Result{Resource: table, Symbol: symbol, Partial: true, Err: errtrack.E(errtrack.KindConfig, err)}
	}

	records, checksum, partial, err := runStream(ctx, h, table, symbol, stream[market.LongShortRatio]{
		gap: h.sampleGap,
		fetch: func(ctx context.Context, cursor, end time.Time) ([]market.LongShortRatio, error) {
			return h.exchange.TopLongShortRatio(ctx, symbol, period, cursor, end, exchange.MaxRatioLimit)
		},
		step:     func(last market.LongShortRatio) time.Time { return last.Time.Add(step) },
		timeOf:   func(r market.LongShortRatio) time.Time { return r.Time },
		key:      market.LongShortRatio.Key,
		validate: market.ValidateLongShortRatios,
		save:     h.store.SaveLongShortRatios,
	}, start, end)
	return h.finish(ctx, table, symbol, start, end, records, checksum, partial, err)
}

// CollectOrderBook takes one current depth snapshot for a symbol.
func (h *Historical) CollectOrderBook(ctx context.Context, symbol string) Result {
	if err := h.sampleGap.Wait(ctx); err != nil {
		return Result{Resource: storage.TableOrderBook, Symbol: symbol, Partial: true, Err: err}
	}

	book, err := h.exchange.Depth(ctx, symbol, h.config.DepthLimit)
	if err != nil {
		return Result{Resource: storage.TableOrderBook, Symbol: symbol, Partial: true, Err: err}
	}
	if err := saveWithRetry(ctx, func(ctx context.Context) error {
		return h.store.SaveOrderBook(ctx, book)
	}); err != nil {
		return Result{Resource: storage.TableOrderBook, Symbol: symbol, Partial: true, Err: errtrack.E(errtrack.KindStorage, err)}
	}
	return Result{Resource: storage.TableOrderBook, Symbol: symbol, Records: len(book.Bids) + len(book.Asks)}
}

// CollectAll runs every configured stream for every symbol with bounded
// concurrency. Stream failures are reported in the results, not returned;
// the error is non-nil only when the context was cancelled.
func (h *Historical) CollectAll(ctx context.Context) ([]Result, error) {
	var tasks []func(context.Context) Result
	for _, symbol := range h.config.Symbols {
		symbol := symbol
		for _, tf := range h.config.Timeframes {
			tf := tf
			tasks = append(tasks, func(ctx context.Context) Result { return h.CollectCandles(ctx, symbol, tf) })
		}
		for _, period := range h.config.Periods {
			period := period
			tasks = append(tasks, func(ctx context.Context) Result { return h.CollectOpenInterest(ctx, symbol, period) })
			tasks = append(tasks, func(ctx context.Context) Result { return h.CollectLongShortRatios(ctx, symbol, period) })
		}
		tasks = append(tasks, func(ctx context.Context) Result { return h.CollectFundingRates(ctx, symbol) })
		tasks = append(tasks, func(ctx context.Context) Result { return h.CollectLiquidations(ctx, symbol) })
		if !h.config.SkipOrderBook {
			tasks = append(tasks, func(ctx context.Context) Result { return h.CollectOrderBook(ctx, symbol) })
		}
	}

	var mu sync.Mutex
	results := make([]Result, 0, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.MaxConcurrent)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			result := task(gctx)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}
