package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
)

// CloudConfig configures the document-store backend.
type CloudConfig struct {
	// ProjectID is the cloud project hosting the document database.
	ProjectID string

	// CredentialsFile points at a service-account key. Empty uses
	// ambient credentials.
	CredentialsFile string

	// RootCollection is the top-level collection.
	// Default: "futures_data"
	RootCollection string
}

// cloudDocDriver stores records under
// <root>/<SYMBOL_PATH>/<table>/<doc-id>, one document per record, with
// millisecond-timestamp document ids. Writes are idempotent because ids
// are deterministic and record payloads at a given id never change.
type cloudDocDriver struct {
	client  *firestore.Client
	root    string
	project string
	logger  observe.Logger
	metrics observe.Metrics
}

// NewCloudDocDriver connects to the document store.
func NewCloudDocDriver(ctx context.Context, config CloudConfig, logger observe.Logger, metrics observe.Metrics) (Driver, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("storage: cloud backend requires a project id")
	}
	if config.RootCollection == "" {
		config.RootCollection = "futures_data"
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, config.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: connect document store: %w", err)
	}

	return &cloudDocDriver{
		client:  client,
		root:    config.RootCollection,
		project: config.ProjectID,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Init is a no-op; the document store is schemaless.
func (d *cloudDocDriver) Init(ctx context.Context) error {
	return nil
}

// table returns the collection for one symbol and table. Document paths
// cannot contain "/", so symbols use their path form.
func (d *cloudDocDriver) table(symbol, table string) *firestore.CollectionRef {
	return d.client.Collection(d.root).Doc(market.PathSymbol(symbol)).Collection(table)
}

func millisID(t time.Time) string {
	return strconv.FormatInt(market.Millis(t), 10)
}

// writeAll bulk-writes one document per record. The writer reports
// per-document failures asynchronously, so every job result is checked
// after End.
func (d *cloudDocDriver) writeAll(ctx context.Context, refs []*firestore.DocumentRef, docs []map[string]any) error {
	bw := d.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for i, ref := range refs {
		job, err := bw.Set(ref, docs[i])
		if err != nil {
			return fmt.Errorf("storage: queue write: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	failed := 0
	var first error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	return bulkWriteError(failed, len(jobs), first)
}

// bulkWriteError folds per-document outcomes into one error, nil when
// every write landed.
func bulkWriteError(failed, total int, first error) error {
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("storage: bulk write: %d of %d documents failed: %w", failed, total, first)
}

func (d *cloudDocDriver) SaveCandles(ctx context.Context, candles []market.Candle) (int, error) {
	refs := make([]*firestore.DocumentRef, len(candles))
	docs := make([]map[string]any, len(candles))
	for i, c := range candles {
		refs[i] = d.table(c.Symbol, TableCandles+"_"+c.Timeframe).Doc(millisID(c.Time))
		docs[i] = map[string]any{
			"time": market.Millis(c.Time), "symbol": c.Symbol, "timeframe": c.Timeframe,
			"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close,
			"volume": c.Volume, "quote_volume": c.QuoteVolume, "trades": c.Trades,
			"taker_buy_base": c.TakerBuyBase, "taker_buy_quote": c.TakerBuyQuote, "closed": c.Closed,
		}
	}
	if err := d.writeAll(ctx, refs, docs); err != nil {
		return 0, err
	}
	if len(candles) > 0 {
		d.metrics.RecordsWritten(ctx, TableCandles, candles[0].Symbol, int64(len(candles)))
	}
	return len(candles), nil
}

func (d *cloudDocDriver) SaveOpenInterest(ctx context.Context, samples []market.OpenInterest) (int, error) {
	refs := make([]*firestore.DocumentRef, len(samples))
	docs := make([]map[string]any, len(samples))
	for i, s := range samples {
		refs[i] = d.table(s.Symbol, TableOpenInterest+"_"+s.Period).Doc(millisID(s.Time))
		docs[i] = map[string]any{
			"time": market.Millis(s.Time), "symbol": s.Symbol, "period": s.Period,
			"open_interest": s.OpenInterest, "open_interest_value": s.OpenInterestValue,
		}
	}
	if err := d.writeAll(ctx, refs, docs); err != nil {
		return 0, err
	}
	if len(samples) > 0 {
		d.metrics.RecordsWritten(ctx, TableOpenInterest, samples[0].Symbol, int64(len(samples)))
	}
	return len(samples), nil
}

func (d *cloudDocDriver) SaveFundingRates(ctx context.Context, rates []market.FundingRate) (int, error) {
	refs := make([]*firestore.DocumentRef, len(rates))
	docs := make([]map[string]any, len(rates))
	for i, r := range rates {
		refs[i] = d.table(r.Symbol, TableFundingRates).Doc(millisID(r.FundingTime))
		docs[i] = map[string]any{
			"time": market.Millis(r.FundingTime), "symbol": r.Symbol,
			"funding_rate": r.FundingRate, "mark_price": r.MarkPrice,
		}
	}
	if err := d.writeAll(ctx, refs, docs); err != nil {
		return 0, err
	}
	if len(rates) > 0 {
		d.metrics.RecordsWritten(ctx, TableFundingRates, rates[0].Symbol, int64(len(rates)))
	}
	return len(rates), nil
}

func (d *cloudDocDriver) SaveLiquidations(ctx context.Context, liquidations []market.Liquidation) (int, error) {
	refs := make([]*firestore.DocumentRef, len(liquidations))
	docs := make([]map[string]any, len(liquidations))
	for i, l := range liquidations {
		refs[i] = d.table(l.Symbol, TableLiquidations).Doc(l.OrderID)
		docs[i] = map[string]any{
			"order_id": l.OrderID, "time": market.Millis(l.Time), "symbol": l.Symbol,
			"side": string(l.Side), "price": l.Price, "quantity": l.Quantity,
		}
	}
	if err := d.writeAll(ctx, refs, docs); err != nil {
		return 0, err
	}
	if len(liquidations) > 0 {
		d.metrics.RecordsWritten(ctx, TableLiquidations, liquidations[0].Symbol, int64(len(liquidations)))
	}
	return len(liquidations), nil
}

func (d *cloudDocDriver) SaveLongShortRatios(ctx context.Context, ratios []market.LongShortRatio) (int, error) {
	refs := make([]*firestore.DocumentRef, len(ratios))
	docs := make([]map[string]any, len(ratios))
	for i, r := range ratios {
		refs[i] = d.table(r.Symbol, TableLongShortRatio+"_"+r.Period).Doc(millisID(r.Time))
		docs[i] = map[string]any{
			"time": market.Millis(r.Time), "symbol": r.Symbol, "period": r.Period,
			"long_short_ratio": r.LongShortRatio, "long_account": r.LongAccount, "short_account": r.ShortAccount,
		}
	}
	if err := d.writeAll(ctx, refs, docs); err != nil {
		return 0, err
	}
	if len(ratios) > 0 {
		d.metrics.RecordsWritten(ctx, TableLongShortRatio, ratios[0].Symbol, int64(len(ratios)))
	}
	return len(ratios), nil
}

// SaveOrderBook stores the whole snapshot as one document, so replacing a
// snapshot at the same timestamp is a single Set.
func (d *cloudDocDriver) SaveOrderBook(ctx context.Context, book market.OrderBook) error {
	levels := func(side []market.PriceLevel) []map[string]any {
		out := make([]map[string]any, len(side))
		for i, lv := range side {
			out[i] = map[string]any{"price": lv.Price, "quantity": lv.Quantity}
		}
		return out
	}
	ref := d.table(book.Symbol, TableOrderBook).Doc(millisID(book.Time))
	_, err := ref.Set(ctx, map[string]any{
		"time": market.Millis(book.Time), "symbol": book.Symbol,
		"bids": levels(book.Bids), "asks": levels(book.Asks),
		"best_bid": book.BestBid, "best_ask": book.BestAsk,
		"spread": book.Spread, "spread_bps": book.SpreadBps, "mid_price": book.MidPrice,
	})
	if err != nil {
		return fmt.Errorf("storage: save order book: %w", err)
	}
	d.metrics.RecordsWritten(ctx, TableOrderBook, book.Symbol, int64(len(book.Bids)+len(book.Asks)))
	return nil
}

// rangeQuery reads [start, end] ascending from one collection.
func (d *cloudDocDriver) rangeQuery(ctx context.Context, col *firestore.CollectionRef, start, end time.Time) ([]map[string]any, error) {
	iter := col.Where("time", ">=", market.Millis(start)).
		Where("time", "<=", market.Millis(end)).
		OrderBy("time", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	out := []map[string]any{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("storage: document query: %w", err)
		}
		out = append(out, snap.Data())
	}
}

func docFloat(doc map[string]any, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func docInt(doc map[string]any, key string) int64 {
	switch v := doc[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func docString(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func (d *cloudDocDriver) Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Candle, error) {
	docs, err := d.rangeQuery(ctx, d.table(symbol, TableCandles+"_"+timeframe), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(docs))
	for _, doc := range docs {
		closed, _ := doc["closed"].(bool)
		out = append(out, market.Candle{
			Time:          market.FromMillis(docInt(doc, "time")),
			Symbol:        docString(doc, "symbol"),
			Timeframe:     docString(doc, "timeframe"),
			Open:          docFloat(doc, "open"),
			High:          docFloat(doc, "high"),
			Low:           docFloat(doc, "low"),
			Close:         docFloat(doc, "close"),
			Volume:        docFloat(doc, "volume"),
			QuoteVolume:   docFloat(doc, "quote_volume"),
			Trades:        docInt(doc, "trades"),
			TakerBuyBase:  docFloat(doc, "taker_buy_base"),
			TakerBuyQuote: docFloat(doc, "taker_buy_quote"),
			Closed:        closed,
		})
	}
	return out, nil
}

func (d *cloudDocDriver) LatestCandle(ctx context.Context, symbol, timeframe string) (market.Candle, bool, error) {
	iter := d.table(symbol, TableCandles+"_"+timeframe).
		OrderBy("time", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return market.Candle{}, false, nil
	}
	if err != nil {
		return market.Candle{}, false, fmt.Errorf("storage: latest candle: %w", err)
	}
	doc := snap.Data()
	closed, _ := doc["closed"].(bool)
	return market.Candle{
		Time:      market.FromMillis(docInt(doc, "time")),
		Symbol:    docString(doc, "symbol"),
		Timeframe: docString(doc, "timeframe"),
		Open:      docFloat(doc, "open"),
		High:      docFloat(doc, "high"),
		Low:       docFloat(doc, "low"),
		Close:     docFloat(doc, "close"),
		Volume:    docFloat(doc, "volume"),
		Closed:    closed,
	}, true, nil
}

func (d *cloudDocDriver) OpenInterest(ctx context.Context, symbol, period string, start, end time.Time) ([]market.OpenInterest, error) {
	docs, err := d.rangeQuery(ctx, d.table(symbol, TableOpenInterest+"_"+period), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.OpenInterest, 0, len(docs))
	for _, doc := range docs {
		out = append(out, market.OpenInterest{
			Time:              market.FromMillis(docInt(doc, "time")),
			Symbol:            docString(doc, "symbol"),
			Period:            docString(doc, "period"),
			OpenInterest:      docFloat(doc, "open_interest"),
			OpenInterestValue: docFloat(doc, "open_interest_value"),
		})
	}
	return out, nil
}

func (d *cloudDocDriver) FundingRates(ctx context.Context, symbol string, start, end time.Time) ([]market.FundingRate, error) {
	docs, err := d.rangeQuery(ctx, d.table(symbol, TableFundingRates), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.FundingRate, 0, len(docs))
	for _, doc := range docs {
		out = append(out, market.FundingRate{
			FundingTime: market.FromMillis(docInt(doc, "time")),
			Symbol:      docString(doc, "symbol"),
			FundingRate: docFloat(doc, "funding_rate"),
			MarkPrice:   docFloat(doc, "mark_price"),
		})
	}
	return out, nil
}

func (d *cloudDocDriver) Liquidations(ctx context.Context, symbol string, start, end time.Time) ([]market.Liquidation, error) {
	docs, err := d.rangeQuery(ctx, d.table(symbol, TableLiquidations), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.Liquidation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, market.Liquidation{
			OrderID:  docString(doc, "order_id"),
			Time:     market.FromMillis(docInt(doc, "time")),
			Symbol:   docString(doc, "symbol"),
			Side:     market.Side(docString(doc, "side")),
			Price:    docFloat(doc, "price"),
			Quantity: docFloat(doc, "quantity"),
		})
	}
	return out, nil
}

func (d *cloudDocDriver) LongShortRatios(ctx context.Context, symbol, period string, start, end time.Time) ([]market.LongShortRatio, error) {
	docs, err := d.rangeQuery(ctx, d.table(symbol, TableLongShortRatio+"_"+period), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.LongShortRatio, 0, len(docs))
	for _, doc := range docs {
		out = append(out, market.LongShortRatio{
			Time:           market.FromMillis(docInt(doc, "time")),
			Symbol:         docString(doc, "symbol"),
			Period:         docString(doc, "period"),
			LongShortRatio: docFloat(doc, "long_short_ratio"),
			LongAccount:    docFloat(doc, "long_account"),
			ShortAccount:   docFloat(doc, "short_account"),
		})
	}
	return out, nil
}

func (d *cloudDocDriver) SaveDataVersion(ctx context.Context, version *market.DataVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	version.ID = version.CreatedAt.UnixNano()
	_, err := d.table(version.Symbol, "data_versions").Doc(strconv.FormatInt(version.ID, 10)).Set(ctx, map[string]any{
		"id": version.ID, "table_name": version.Table, "symbol": version.Symbol,
		"window_start": market.Millis(version.WindowStart), "window_end": market.Millis(version.WindowEnd),
		"record_count": version.RecordCount, "checksum": version.Checksum,
		"created_at": market.Millis(version.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("storage: save version: %w", err)
	}
	return nil
}

func (d *cloudDocDriver) DataVersions(ctx context.Context, table, symbol string, limit int) ([]market.DataVersion, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := d.table(symbol, "data_versions").
		Where("table_name", "==", table).
		OrderBy("id", firestore.Desc).Limit(limit).Documents(ctx)
	defer iter.Stop()

	out := []market.DataVersion{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("storage: query versions: %w", err)
		}
		doc := snap.Data()
		out = append(out, market.DataVersion{
			ID:          docInt(doc, "id"),
			Table:       docString(doc, "table_name"),
			Symbol:      docString(doc, "symbol"),
			WindowStart: market.FromMillis(docInt(doc, "window_start")),
			WindowEnd:   market.FromMillis(docInt(doc, "window_end")),
			RecordCount: docInt(doc, "record_count"),
			Checksum:    docString(doc, "checksum"),
			CreatedAt:   market.FromMillis(docInt(doc, "created_at")),
		})
	}
}

// Vacuum is a no-op; the document store manages its own storage.
func (d *cloudDocDriver) Vacuum(ctx context.Context) error {
	return nil
}

func (d *cloudDocDriver) Info(ctx context.Context) (Info, error) {
	return Info{
		Backend:  BackendCloudDoc,
		Location: d.project + "/" + d.root,
		Rows:     map[string]int64{},
	}, nil
}

// Ping issues a minimal read to verify connectivity and credentials.
func (d *cloudDocDriver) Ping(ctx context.Context) error {
	iter := d.client.Collection(d.root).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("storage: ping document store: %w", err)
	}
	return nil
}

func (d *cloudDocDriver) Close() error {
	return d.client.Close()
}
