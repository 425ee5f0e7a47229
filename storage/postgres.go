package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
)

// PostgresConfig configures the TimescaleDB backend.
type PostgresConfig struct {
	// DSN overrides the individual fields when set.
	DSN string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// MaxConns caps the pool. Default: 20
	MaxConns int32

	// MinConns keeps warm connections ready. Default: 2
	MinConns int32
}

func (c PostgresConfig) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, host, port, c.Database, ssl)
}

// postgresDriver is the production backend. Time-series tables become
// hypertables when the timescaledb extension is installed; without it the
// same schema runs on plain Postgres.
type postgresDriver struct {
	pool       *pgxpool.Pool
	logger     observe.Logger
	metrics    observe.Metrics
	timescale  bool
	descriptor string
}

// NewPostgresDriver connects the pool.
func NewPostgresDriver(ctx context.Context, config PostgresConfig, logger observe.Logger, metrics observe.Metrics) (Driver, error) {
	poolCfg, err := pgxpool.ParseConfig(config.dsn())
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres config: %w", err)
	}
	if config.MaxConns > 0 {
		poolCfg.MaxConns = config.MaxConns
	} else {
		poolCfg.MaxConns = 20
	}
	if config.MinConns > 0 {
		poolCfg.MinConns = config.MinConns
	} else {
		poolCfg.MinConns = 2
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}

	return &postgresDriver{
		pool:       pool,
		logger:     logger,
		metrics:    metrics,
		descriptor: fmt.Sprintf("%s:%d/%s", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Port, poolCfg.ConnConfig.Database),
	}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ohlcv (
		time            TIMESTAMPTZ      NOT NULL,
		symbol          TEXT             NOT NULL,
		timeframe       TEXT             NOT NULL,
		open            DOUBLE PRECISION NOT NULL,
		high            DOUBLE PRECISION NOT NULL,
		low             DOUBLE PRECISION NOT NULL,
		close           DOUBLE PRECISION NOT NULL,
		volume          DOUBLE PRECISION NOT NULL,
		quote_volume    DOUBLE PRECISION NOT NULL DEFAULT 0,
		trades          BIGINT           NOT NULL DEFAULT 0,
		taker_buy_base  DOUBLE PRECISION NOT NULL DEFAULT 0,
		taker_buy_quote DOUBLE PRECISION NOT NULL DEFAULT 0,
		closed          BOOLEAN          NOT NULL DEFAULT TRUE,
		PRIMARY KEY (time, symbol, timeframe)
	)`,
	`CREATE TABLE IF NOT EXISTS open_interest (
		time                TIMESTAMPTZ      NOT NULL,
		symbol              TEXT             NOT NULL,
		period              TEXT             NOT NULL,
		open_interest       DOUBLE PRECISION NOT NULL,
		open_interest_value DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (time, symbol, period)
	)`,
	`CREATE TABLE IF NOT EXISTS funding_rates (
		funding_time TIMESTAMPTZ      NOT NULL,
		symbol       TEXT             NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		mark_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (funding_time, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS liquidations (
		order_id TEXT             NOT NULL PRIMARY KEY,
		time     TIMESTAMPTZ      NOT NULL,
		symbol   TEXT             NOT NULL,
		side     TEXT             NOT NULL,
		price    DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_liquidations_time ON liquidations (symbol, time)`,
	`CREATE TABLE IF NOT EXISTS long_short_ratio (
		time             TIMESTAMPTZ      NOT NULL,
		symbol           TEXT             NOT NULL,
		period           TEXT             NOT NULL,
		long_short_ratio DOUBLE PRECISION NOT NULL,
		long_account     DOUBLE PRECISION NOT NULL,
		short_account    DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (time, symbol, period)
	)`,
	`CREATE TABLE IF NOT EXISTS order_book (
		time     TIMESTAMPTZ      NOT NULL,
		symbol   TEXT             NOT NULL,
		side     TEXT             NOT NULL,
		level    INT              NOT NULL,
		price    DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (time, symbol, side, level)
	)`,
	`CREATE TABLE IF NOT EXISTS data_versions (
		id           BIGSERIAL PRIMARY KEY,
		table_name   TEXT        NOT NULL,
		symbol       TEXT        NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end   TIMESTAMPTZ NOT NULL,
		record_count BIGINT      NOT NULL,
		checksum     TEXT        NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// recordTables lists every record table for maintenance and stats.
var recordTables = []string{
	TableCandles,
	TableOpenInterest,
	TableFundingRates,
	TableLiquidations,
	TableLongShortRatio,
	TableOrderBook,
}

// hypertables maps time-partitioned tables to their time column. Each
// table's primary key must include that column or create_hypertable
// refuses the unique index. Liquidations are keyed by order identity
// alone, so they stay a plain table with a time index.
var hypertables = map[string]string{
	TableCandles:        "time",
	TableOpenInterest:   "time",
	TableFundingRates:   "funding_time",
	TableLongShortRatio: "time",
	TableOrderBook:      "time",
}

const hourlySummaryView = `CREATE MATERIALIZED VIEW IF NOT EXISTS ohlcv_1h_summary
	WITH (timescaledb.continuous) AS
	SELECT time_bucket('1 hour', time) AS bucket, symbol, timeframe,
		first(open, time) AS open, max(high) AS high, min(low) AS low,
		last(close, time) AS close, sum(volume) AS volume
	FROM ohlcv GROUP BY bucket, symbol, timeframe
	WITH NO DATA`

// hourlySummaryPolicy refreshes the last two hours every five minutes.
const hourlySummaryPolicy = `SELECT add_continuous_aggregate_policy('ohlcv_1h_summary',
	start_offset => INTERVAL '2 hours',
	end_offset => INTERVAL '5 minutes',
	schedule_interval => INTERVAL '5 minutes',
	if_not_exists => TRUE)`

func (d *postgresDriver) Init(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: postgres schema: %w", err)
		}
	}

	var extensions int
	if err := d.pool.QueryRow(ctx,
		`SELECT count(*) FROM pg_extension WHERE extname = 'timescaledb'`).Scan(&extensions); err != nil {
		return fmt.Errorf("storage: check timescaledb: %w", err)
	}
	d.timescale = extensions > 0
	if !d.timescale {
		d.logger.Warn(ctx, "timescaledb extension not installed, running on plain tables")
		return nil
	}

	for table, timeCol := range hypertables {
		if _, err := d.pool.Exec(ctx,
			fmt.Sprintf(`SELECT create_hypertable('%s', '%s', if_not_exists => TRUE, migrate_data => TRUE)`, table, timeCol)); err != nil {
			return fmt.Errorf("storage: hypertable %s: %w", table, err)
		}
	}

	// Hourly rollup of price for dashboard reads. The create fails
	// harmlessly when it already exists with another shape.
	if _, err := d.pool.Exec(ctx, hourlySummaryView); err != nil {
		d.logger.Warn(ctx, "continuous aggregate not created", observe.F("error", err.Error()))
		return nil
	}
	if _, err := d.pool.Exec(ctx, hourlySummaryPolicy); err != nil {
		d.logger.Warn(ctx, "aggregate refresh policy not installed", observe.F("error", err.Error()))
	}
	return nil
}

// saveBatch queues one statement per record and sums affected rows.
func (d *postgresDriver) saveBatch(ctx context.Context, query string, n int, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i := 0; i < n; i++ {
		batch.Queue(query, args(i)...)
	}

	results := d.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("storage: batch row %d: %w", i, err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}

func (d *postgresDriver) SaveCandles(ctx context.Context, candles []market.Candle) (int, error) {
	n, err := d.saveBatch(ctx, `INSERT INTO ohlcv
		(time, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (time, symbol, timeframe) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
			volume = EXCLUDED.volume, quote_volume = EXCLUDED.quote_volume, trades = EXCLUDED.trades,
			taker_buy_base = EXCLUDED.taker_buy_base, taker_buy_quote = EXCLUDED.taker_buy_quote,
			closed = EXCLUDED.closed`,
		len(candles), func(i int) []any {
			c := candles[i]
			return []any{c.Time, c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close,
				c.Volume, c.QuoteVolume, c.Trades, c.TakerBuyBase, c.TakerBuyQuote, c.Closed}
		})
	if err == nil && len(candles) > 0 {
		d.metrics.RecordsWritten(ctx, TableCandles, candles[0].Symbol, int64(n))
	}
	return n, err
}

func (d *postgresDriver) SaveOpenInterest(ctx context.Context, samples []market.OpenInterest) (int, error) {
	n, err := d.saveBatch(ctx, `INSERT INTO open_interest
		(time, symbol, period, open_interest, open_interest_value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (time, symbol, period) DO UPDATE SET
			open_interest = EXCLUDED.open_interest, open_interest_value = EXCLUDED.open_interest_value`,
		len(samples), func(i int) []any {
			s := samples[i]
			return []any{s.Time, s.Symbol, s.Period, s.OpenInterest, s.OpenInterestValue}
		})
	if err == nil && len(samples) > 0 {
		d.metrics.RecordsWritten(ctx, TableOpenInterest, samples[0].Symbol, int64(n))
	}
	return n, err
}

func (d *postgresDriver) SaveFundingRates(ctx context.Context, rates []market.FundingRate) (int, error) {
	n, err := d.saveBatch(ctx, `INSERT INTO funding_rates
		(funding_time, symbol, funding_rate, mark_price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (funding_time, symbol) DO NOTHING`,
		len(rates), func(i int) []any {
			r := rates[i]
			return []any{r.FundingTime, r.Symbol, r.FundingRate, r.MarkPrice}
		})
	if err == nil && len(rates) > 0 {
		d.metrics.RecordsWritten(ctx, TableFundingRates, rates[0].Symbol, int64(n))
	}
	return n, err
}

func (d *postgresDriver) SaveLiquidations(ctx context.Context, liquidations []market.Liquidation) (int, error) {
	n, err := d.saveBatch(ctx, `INSERT INTO liquidations
		(order_id, time, symbol, side, price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		len(liquidations), func(i int) []any {
			l := liquidations[i]
			return []any{l.OrderID, l.Time, l.Symbol, string(l.Side), l.Price, l.Quantity}
		})
	if err == nil && len(liquidations) > 0 {
		d.metrics.RecordsWritten(ctx, TableLiquidations, liquidations[0].Symbol, int64(n))
	}
	return n, err
}

func (d *postgresDriver) SaveLongShortRatios(ctx context.Context, ratios []market.LongShortRatio) (int, error) {
	n, err := d.saveBatch(ctx, `INSERT INTO long_short_ratio
		(time, symbol, period, long_short_ratio, long_account, short_account)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (time, symbol, period) DO UPDATE SET
			long_short_ratio = EXCLUDED.long_short_ratio,
			long_account = EXCLUDED.long_account, short_account = EXCLUDED.short_account`,
		len(ratios), func(i int) []any {
			r := ratios[i]
			return []any{r.Time, r.Symbol, r.Period, r.LongShortRatio, r.LongAccount, r.ShortAccount}
		})
	if err == nil && len(ratios) > 0 {
		d.metrics.RecordsWritten(ctx, TableLongShortRatio, ratios[0].Symbol, int64(n))
	}
	return n, err
}

func (d *postgresDriver) SaveOrderBook(ctx context.Context, book market.OrderBook) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM order_book WHERE time = $1 AND symbol = $2`,
		book.Time, book.Symbol); err != nil {
		return fmt.Errorf("storage: clear snapshot: %w", err)
	}

	levels := book.Levels()
	rows := make([][]any, len(levels))
	for i, lv := range levels {
		rows[i] = []any{lv.Time, lv.Symbol, string(lv.Side), lv.Level, lv.Price, lv.Quantity}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"order_book"},
		[]string{"time", "symbol", "side", "level", "price", "quantity"},
		pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy levels: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	d.metrics.RecordsWritten(ctx, TableOrderBook, book.Symbol, int64(len(levels)))
	return nil
}

func (d *postgresDriver) Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Candle, error) {
	rows, err := d.pool.Query(ctx, `SELECT time, symbol, timeframe, open, high, low, close,
		volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		FROM ohlcv WHERE symbol = $1 AND timeframe = $2 AND time BETWEEN $3 AND $4 ORDER BY time`,
		symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query candles: %w", err)
	}
	defer rows.Close()

	out := []market.Candle{}
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Time, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &c.Closed); err != nil {
			return nil, fmt.Errorf("storage: scan candle: %w", err)
		}
		c.Time = c.Time.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *postgresDriver) LatestCandle(ctx context.Context, symbol, timeframe string) (market.Candle, bool, error) {
	var c market.Candle
	err := d.pool.QueryRow(ctx, `SELECT time, symbol, timeframe, open, high, low, close,
		volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		FROM ohlcv WHERE symbol = $1 AND timeframe = $2 ORDER BY time DESC LIMIT 1`,
		symbol, timeframe).Scan(&c.Time, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &c.Closed)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Candle{}, false, nil
	}
	if err != nil {
		return market.Candle{}, false, fmt.Errorf("storage: latest candle: %w", err)
	}
	c.Time = c.Time.UTC()
	return c, true, nil
}

func (d *postgresDriver) OpenInterest(ctx context.Context, symbol, period string, start, end time.Time) ([]market.OpenInterest, error) {
	rows, err := d.pool.Query(ctx, `SELECT time, symbol, period, open_interest, open_interest_value
		FROM open_interest WHERE symbol = $1 AND period = $2 AND time BETWEEN $3 AND $4 ORDER BY time`,
		symbol, period, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query open interest: %w", err)
	}
	defer rows.Close()

	out := []market.OpenInterest{}
	for rows.Next() {
		var s market.OpenInterest
		if err := rows.Scan(&s.Time, &s.Symbol, &s.Period, &s.OpenInterest, &s.OpenInterestValue); err != nil {
			return nil, fmt.Errorf("storage: scan open interest: %w", err)
		}
		s.Time = s.Time.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *postgresDriver) FundingRates(ctx context.Context, symbol string, start, end time.Time) ([]market.FundingRate, error) {
	rows, err := d.pool.Query(ctx, `SELECT funding_time, symbol, funding_rate, mark_price
		FROM funding_rates WHERE symbol = $1 AND funding_time BETWEEN $2 AND $3 ORDER BY funding_time`,
		symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query funding: %w", err)
	}
	defer rows.Close()

	out := []market.FundingRate{}
	for rows.Next() {
		var r market.FundingRate
		if err := rows.Scan(&r.FundingTime, &r.Symbol, &r.FundingRate, &r.MarkPrice); err != nil {
			return nil, fmt.Errorf("storage: scan funding: %w", err)
		}
		r.FundingTime = r.FundingTime.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *postgresDriver) Liquidations(ctx context.Context, symbol string, start, end time.Time) ([]market.Liquidation, error) {
	rows, err := d.pool.Query(ctx, `SELECT order_id, time, symbol, side, price, quantity
		FROM liquidations WHERE symbol = $1 AND time BETWEEN $2 AND $3 ORDER BY time`,
		symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query liquidations: %w", err)
	}
	defer rows.Close()

	out := []market.Liquidation{}
	for rows.Next() {
		var l market.Liquidation
		var side string
		if err := rows.Scan(&l.OrderID, &l.Time, &l.Symbol, &side, &l.Price, &l.Quantity); err != nil {
			return nil, fmt.Errorf("storage: scan liquidation: %w", err)
		}
		l.Time = l.Time.UTC()
		l.Side = market.Side(side)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (d *postgresDriver) LongShortRatios(ctx context.Context, symbol, period string, start, end time.Time) ([]market.LongShortRatio, error) {
	rows, err := d.pool.Query(ctx, `SELECT time, symbol, period, long_short_ratio, long_account, short_account
		FROM long_short_ratio WHERE symbol = $1 AND period = $2 AND time BETWEEN $3 AND $4 ORDER BY time`,
		symbol, period, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query ratios: %w", err)
	}
	defer rows.Close()

	out := []market.LongShortRatio{}
	for rows.Next() {
		var r market.LongShortRatio
		if err := rows.Scan(&r.Time, &r.Symbol, &r.Period, &r.LongShortRatio, &r.LongAccount, &r.ShortAccount); err != nil {
			return nil, fmt.Errorf("storage: scan ratio: %w", err)
		}
		r.Time = r.Time.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *postgresDriver) SaveDataVersion(ctx context.Context, version *market.DataVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	err := d.pool.QueryRow(ctx, `INSERT INTO data_versions
		(table_name, symbol, window_start, window_end, record_count, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		version.Table, version.Symbol, version.WindowStart, version.WindowEnd,
		version.RecordCount, version.Checksum, version.CreatedAt).Scan(&version.ID)
	if err != nil {
		return fmt.Errorf("storage: save version: %w", err)
	}
	return nil
}

func (d *postgresDriver) DataVersions(ctx context.Context, table, symbol string, limit int) ([]market.DataVersion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.pool.Query(ctx, `SELECT id, table_name, symbol, window_start, window_end, record_count, checksum, created_at
		FROM data_versions WHERE table_name = $1 AND symbol = $2 ORDER BY id DESC LIMIT $3`,
		table, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query versions: %w", err)
	}
	defer rows.Close()

	out := []market.DataVersion{}
	for rows.Next() {
		var v market.DataVersion
		if err := rows.Scan(&v.ID, &v.Table, &v.Symbol, &v.WindowStart, &v.WindowEnd, &v.RecordCount, &v.Checksum, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (d *postgresDriver) Vacuum(ctx context.Context) error {
	for _, table := range recordTables {
		if _, err := d.pool.Exec(ctx, `VACUUM ANALYZE `+table); err != nil {
			return fmt.Errorf("storage: vacuum %s: %w", table, err)
		}
	}
	return nil
}

func (d *postgresDriver) Info(ctx context.Context) (Info, error) {
	info := Info{
		Backend:  BackendTimescale,
		Location: d.descriptor,
		Rows:     make(map[string]int64),
	}
	for _, table := range recordTables {
		var n int64
		if err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return Info{}, fmt.Errorf("storage: count %s: %w", table, err)
		}
		info.Rows[table] = n
	}
	var size int64
	if err := d.pool.QueryRow(ctx, `SELECT pg_database_size(current_database())`).Scan(&size); err == nil {
		info.SizeBytes = size
	}
	return info, nil
}

func (d *postgresDriver) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *postgresDriver) Close() error {
	d.pool.Close()
	return nil
}
