package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
)

// SQLiteConfig configures the embedded backend.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" gives an in-process
	// throwaway database. Default: "futuresfeed.db"
	Path string

	// BusyTimeout is how long writers wait on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// sqliteDriver is the embedded backend. WAL mode keeps readers off the
// writer's lock; a single writer connection avoids SQLITE_BUSY churn.
type sqliteDriver struct {
	db      *sql.DB
	path    string
	logger  observe.Logger
	metrics observe.Metrics
}

// NewSQLiteDriver opens the embedded database.
func NewSQLiteDriver(config SQLiteConfig, logger observe.Logger, metrics observe.Metrics) (Driver, error) {
	if config.Path == "" {
		config.Path = "futuresfeed.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", config.Path, err)
	}
	// SQLite allows one writer; extra pooled connections only contend.
	db.SetMaxOpenConns(1)

	return &sqliteDriver{
		db:      db,
		path:    config.Path,
		logger:  logger,
		metrics: metrics,
	}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ohlcv (
		time            INTEGER NOT NULL,
		symbol          TEXT    NOT NULL,
		timeframe       TEXT    NOT NULL,
		open            REAL    NOT NULL,
		high            REAL    NOT NULL,
		low             REAL    NOT NULL,
		close           REAL    NOT NULL,
		volume          REAL    NOT NULL,
		quote_volume    REAL    NOT NULL DEFAULT 0,
		trades          INTEGER NOT NULL DEFAULT 0,
		taker_buy_base  REAL    NOT NULL DEFAULT 0,
		taker_buy_quote REAL    NOT NULL DEFAULT 0,
		closed          INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (time, symbol, timeframe)
	)`,
	`CREATE TABLE IF NOT EXISTS open_interest (
		time                INTEGER NOT NULL,
		symbol              TEXT    NOT NULL,
		period              TEXT    NOT NULL,
		open_interest       REAL    NOT NULL,
		open_interest_value REAL    NOT NULL,
		PRIMARY KEY (time, symbol, period)
	)`,
	`CREATE TABLE IF NOT EXISTS funding_rates (
		funding_time INTEGER NOT NULL,
		symbol       TEXT    NOT NULL,
		funding_rate REAL    NOT NULL,
		mark_price   REAL    NOT NULL DEFAULT 0,
		PRIMARY KEY (funding_time, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS liquidations (
		order_id TEXT    NOT NULL PRIMARY KEY,
		time     INTEGER NOT NULL,
		symbol   TEXT    NOT NULL,
		side     TEXT    NOT NULL,
		price    REAL    NOT NULL,
		quantity REAL    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_liquidations_time ON liquidations (symbol, time)`,
	`CREATE TABLE IF NOT EXISTS long_short_ratio (
		time             INTEGER NOT NULL,
		symbol           TEXT    NOT NULL,
		period           TEXT    NOT NULL,
		long_short_ratio REAL    NOT NULL,
		long_account     REAL    NOT NULL,
		short_account    REAL    NOT NULL,
		PRIMARY KEY (time, symbol, period)
	)`,
	`CREATE TABLE IF NOT EXISTS order_book (
		time     INTEGER NOT NULL,
		symbol   TEXT    NOT NULL,
		side     TEXT    NOT NULL,
		level    INTEGER NOT NULL,
		price    REAL    NOT NULL,
		quantity REAL    NOT NULL,
		PRIMARY KEY (time, symbol, side, level)
	)`,
	`CREATE TABLE IF NOT EXISTS data_versions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name   TEXT    NOT NULL,
		symbol       TEXT    NOT NULL,
		window_start INTEGER NOT NULL,
		window_end   INTEGER NOT NULL,
		record_count INTEGER NOT NULL,
		checksum     TEXT    NOT NULL,
		created_at   INTEGER NOT NULL
	)`,
}

func (d *sqliteDriver) Init(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: sqlite schema: %w", err)
		}
	}
	return nil
}

// batchExec runs one statement per record inside a transaction and sums
// affected rows.
func (d *sqliteDriver) batchExec(ctx context.Context, query string, n int, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	written := 0
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, fmt.Errorf("storage: exec row %d: %w", i, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			written += int(affected)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit: %w", err)
	}
	return written, nil
}

func (d *sqliteDriver) SaveCandles(ctx context.Context, candles []market.Candle) (int, error) {
	n, err := d.batchExec(ctx, `INSERT OR REPLACE INTO ohlcv
		(time, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(candles), func(i int) []any {
			c := candles[i]
			return []any{market.Millis(c.Time), c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close,
				c.Volume, c.QuoteVolume, c.Trades, c.TakerBuyBase, c.TakerBuyQuote, boolInt(c.Closed)}
		})
	if err == nil && len(candles) > 0 {
		d.metrics.RecordsWritten(ctx, TableCandles, candles[0].Symbol, int64(n))
	}
	return n, err
}

func (d *sqliteDriver) SaveOpenInterest(ctx context.Context, samples []market.OpenInterest) (int, error) {
	n, err := d.batchExec(ctx, `INSERT OR REPLACE INTO open_interest
		(time, symbol, period, open_interest, open_interest_value) VALUES (?, ?, ?, ?, ?)`,
		len(samples), func(i int) []any {
			s := samples[i]
			return []any{market.Millis(s.Time), s.Symbol, s.Period, s.OpenInterest, s.OpenInterestValue}
		})
	if err == nil && len(samples) > 0 {
		d.metrics.RecordsWritten(ctx, TableOpenInterest, samples[0].Symbol, int64(n))
	}
	return n, err
}

func (d *sqliteDriver) SaveFundingRates(ctx context.Context, rates []market.FundingRate) (int, error) {
	n, err := d.batchExec(ctx, `INSERT OR IGNORE INTO funding_rates
		(funding_time, symbol, funding_rate, mark_price) VALUES (?, ?, ?, ?)`,
		len(rates), func(i int) []any {
			r := rates[i]
			return []any{market.Millis(r.FundingTime), r.Symbol, r.FundingRate, r.MarkPrice}
		})
	if err == nil && len(rates) > 0 {
		d.metrics.RecordsWritten(ctx, TableFundingRates, rates[0].Symbol, int64(n))
	}
	return n, err
}

func (d *sqliteDriver) SaveLiquidations(ctx context.Context, liquidations []market.Liquidation) (int, error) {
	n, err := d.batchExec(ctx, `INSERT OR IGNORE INTO liquidations
		(order_id, time, symbol, side, price, quantity) VALUES (?, ?, ?, ?, ?, ?)`,
		len(liquidations), func(i int) []any {
			l := liquidations[i]
			return []any{l.OrderID, market.Millis(l.Time), l.Symbol, string(l.Side), l.Price, l.Quantity}
		})
	if err == nil && len(liquidations) > 0 {
		d.metrics.RecordsWritten(ctx, TableLiquidations, liquidations[0].Symbol, int64(n))
	}
	return n, err
}

func (d *sqliteDriver) SaveLongShortRatios(ctx context.Context, ratios []market.LongShortRatio) (int, error) {
	n, err := d.batchExec(ctx, `INSERT OR REPLACE INTO long_short_ratio
		(time, symbol, period, long_short_ratio, long_account, short_account) VALUES (?, ?, ?, ?, ?, ?)`,
		len(ratios), func(i int) []any {
			r := ratios[i]
			return []any{market.Millis(r.Time), r.Symbol, r.Period, r.LongShortRatio, r.LongAccount, r.ShortAccount}
		})
	if err == nil && len(ratios) > 0 {
		d.metrics.RecordsWritten(ctx, TableLongShortRatio, ratios[0].Symbol, int64(n))
	}
	return n, err
}

func (d *sqliteDriver) SaveOrderBook(ctx context.Context, book market.OrderBook) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	// Snapshot replace: clear any previous rows at this timestamp first.
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_book WHERE time = ? AND symbol = ?`,
		market.Millis(book.Time), book.Symbol); err != nil {
		return fmt.Errorf("storage: clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO order_book
		(time, symbol, side, level, price, quantity) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	levels := book.Levels()
	for _, lv := range levels {
		if _, err := stmt.ExecContext(ctx, market.Millis(lv.Time), lv.Symbol, string(lv.Side), lv.Level, lv.Price, lv.Quantity); err != nil {
			return fmt.Errorf("storage: insert level: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	d.metrics.RecordsWritten(ctx, TableOrderBook, book.Symbol, int64(len(levels)))
	return nil
}

func (d *sqliteDriver) Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Candle, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT time, symbol, timeframe, open, high, low, close,
		volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		FROM ohlcv WHERE symbol = ? AND timeframe = ? AND time BETWEEN ? AND ? ORDER BY time`,
		symbol, timeframe, market.Millis(start), market.Millis(end))
	if err != nil {
		return nil, fmt.Errorf("storage: query candles: %w", err)
	}
	defer rows.Close()

	out := []market.Candle{}
	for rows.Next() {
		var c market.Candle
		var ms int64
		var closed int
		if err := rows.Scan(&ms, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &closed); err != nil {
			return nil, fmt.Errorf("storage: scan candle: %w", err)
		}
		c.Time = market.FromMillis(ms)
		c.Closed = closed != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) LatestCandle(ctx context.Context, symbol, timeframe string) (market.Candle, bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT time, symbol, timeframe, open, high, low, close,
		volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		FROM ohlcv WHERE symbol = ? AND timeframe = ? ORDER BY time DESC LIMIT 1`,
		symbol, timeframe)

	var c market.Candle
	var ms int64
	var closed int
	err := row.Scan(&ms, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &closed)
	if err == sql.ErrNoRows {
		return market.Candle{}, false, nil
	}
	if err != nil {
		return market.Candle{}, false, fmt.Errorf("storage: latest candle: %w", err)
	}
	c.Time = market.FromMillis(ms)
	c.Closed = closed != 0
	return c, true, nil
}

func (d *sqliteDriver) OpenInterest(ctx context.Context, symbol, period string, start, end time.Time) ([]market.OpenInterest, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT time, symbol, period, open_interest, open_interest_value
		FROM open_interest WHERE symbol = ? AND period = ? AND time BETWEEN ? AND ? ORDER BY time`,
		symbol, period, market.Millis(start), market.Millis(end))
	if err != nil {
		return nil, fmt.Errorf("storage: query open interest: %w", err)
	}
	defer rows.Close()

	out := []market.OpenInterest{}
	for rows.Next() {
		var s market.OpenInterest
		var ms int64
		if err := rows.Scan(&ms, &s.Symbol, &s.Period, &s.OpenInterest, &s.OpenInterestValue); err != nil {
			return nil, fmt.Errorf("storage: scan open interest: %w", err)
		}
		s.Time = market.FromMillis(ms)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) FundingRates(ctx context.Context, symbol string, start, end time.Time) ([]market.FundingRate, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT funding_time, symbol, funding_rate, mark_price
		FROM funding_rates WHERE symbol = ? AND funding_time BETWEEN ? AND ? ORDER BY funding_time`,
		symbol, market.Millis(start), market.Millis(end))
	if err != nil {
		return nil, fmt.Errorf("storage: query funding: %w", err)
	}
	defer rows.Close()

	out := []market.FundingRate{}
	for rows.Next() {
		var r market.FundingRate
		var ms int64
		if err := rows.Scan(&ms, &r.Symbol, &r.FundingRate, &r.MarkPrice); err != nil {
			return nil, fmt.Errorf("storage: scan funding: %w", err)
		}
		r.FundingTime = market.FromMillis(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) Liquidations(ctx context.Context, symbol string, start, end time.Time) ([]market.Liquidation, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT order_id, time, symbol, side, price, quantity
		FROM liquidations WHERE symbol = ? AND time BETWEEN ? AND ? ORDER BY time`,
		symbol, market.Millis(start), market.Millis(end))
	if err != nil {
		return nil, fmt.Errorf("storage: query liquidations: %w", err)
	}
	defer rows.Close()

	out := []market.Liquidation{}
	for rows.Next() {
		var l market.Liquidation
		var ms int64
		var side string
		if err := rows.Scan(&l.OrderID, &ms, &l.Symbol, &side, &l.Price, &l.Quantity); err != nil {
			return nil, fmt.Errorf("storage: scan liquidation: %w", err)
		}
		l.Time = market.FromMillis(ms)
		l.Side = market.Side(side)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) LongShortRatios(ctx context.Context, symbol, period string, start, end time.Time) ([]market.LongShortRatio, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT time, symbol, period, long_short_ratio, long_account, short_account
		FROM long_short_ratio WHERE symbol = ? AND period = ? AND time BETWEEN ? AND ? ORDER BY time`,
		symbol, period, market.Millis(start), market.Millis(end))
	if err != nil {
		return nil, fmt.Errorf("storage: query ratios: %w", err)
	}
	defer rows.Close()

	out := []market.LongShortRatio{}
	for rows.Next() {
		var r market.LongShortRatio
		var ms int64
		if err := rows.Scan(&ms, &r.Symbol, &r.Period, &r.LongShortRatio, &r.LongAccount, &r.ShortAccount); err != nil {
			return nil, fmt.Errorf("storage: scan ratio: %w", err)
		}
		r.Time = market.FromMillis(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) SaveDataVersion(ctx context.Context, version *market.DataVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	res, err := d.db.ExecContext(ctx, `INSERT INTO data_versions
		(table_name, symbol, window_start, window_end, record_count, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		version.Table, version.Symbol, market.Millis(version.WindowStart), market.Millis(version.WindowEnd),
		version.RecordCount, version.Checksum, market.Millis(version.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage: save version: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		version.ID = id
	}
	return nil
}

func (d *sqliteDriver) DataVersions(ctx context.Context, table, symbol string, limit int) ([]market.DataVersion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `SELECT id, table_name, symbol, window_start, window_end, record_count, checksum, created_at
		FROM data_versions WHERE table_name = ? AND symbol = ? ORDER BY id DESC LIMIT ?`,
		table, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query versions: %w", err)
	}
	defer rows.Close()

	out := []market.DataVersion{}
	for rows.Next() {
		var v market.DataVersion
		var ws, we, ca int64
		if err := rows.Scan(&v.ID, &v.Table, &v.Symbol, &ws, &we, &v.RecordCount, &v.Checksum, &ca); err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		v.WindowStart, v.WindowEnd, v.CreatedAt = market.FromMillis(ws), market.FromMillis(we), market.FromMillis(ca)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) Vacuum(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("storage: vacuum: %w", err)
	}
	_, err := d.db.ExecContext(ctx, `ANALYZE`)
	if err != nil {
		return fmt.Errorf("storage: analyze: %w", err)
	}
	return nil
}

func (d *sqliteDriver) Info(ctx context.Context) (Info, error) {
	info := Info{
		Backend:  BackendSQLite,
		Location: d.path,
		Rows:     make(map[string]int64),
	}
	for _, table := range []string{TableCandles, TableOpenInterest, TableFundingRates, TableLiquidations, TableLongShortRatio, TableOrderBook} {
		var n int64
		if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return Info{}, fmt.Errorf("storage: count %s: %w", table, err)
		}
		info.Rows[table] = n
	}
	if st, err := os.Stat(d.path); err == nil {
		info.SizeBytes = st.Size()
	}
	return info, nil
}

func (d *sqliteDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *sqliteDriver) Close() error {
	return d.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
