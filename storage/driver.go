package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/futuresfeed/market"
	"github.com/jonwraymond/futuresfeed/observe"
)

// Backend names accepted by Open.
const (
	BackendTimescale = "timescaledb"
	BackendSQLite    = "sqlite"
	BackendCloudDoc  = "clouddoc"
)

// Canonical table names, shared by all backends and by data versioning.
const (
	TableCandles        = "ohlcv"
	TableOpenInterest   = "open_interest"
	TableFundingRates   = "funding_rates"
	TableLiquidations   = "liquidations"
	TableLongShortRatio = "long_short_ratio"
	TableOrderBook      = "order_book"
)

// Driver is the uniform persistence interface. Save methods report how
// many rows were newly written or replaced, so callers can meter inserts
// separately from duplicate-skips.
type Driver interface {
	// Init creates the schema. It is idempotent.
	Init(ctx context.Context) error

	SaveCandles(ctx context.Context, candles []market.Candle) (int, error)
	SaveOpenInterest(ctx context.Context, samples []market.OpenInterest) (int, error)
	SaveFundingRates(ctx context.Context, rates []market.FundingRate) (int, error)
	SaveLiquidations(ctx context.Context, liquidations []market.Liquidation) (int, error)
	SaveLongShortRatios(ctx context.Context, ratios []market.LongShortRatio) (int, error)
	SaveOrderBook(ctx context.Context, book market.OrderBook) error

	Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Candle, error)
	LatestCandle(ctx context.Context, symbol, timeframe string) (market.Candle, bool, error)
	OpenInterest(ctx context.Context, symbol, period string, start, end time.Time) ([]market.OpenInterest, error)
	FundingRates(ctx context.Context, symbol string, start, end time.Time) ([]market.FundingRate, error)
	Liquidations(ctx context.Context, symbol string, start, end time.Time) ([]market.Liquidation, error)
	LongShortRatios(ctx context.Context, symbol, period string, start, end time.Time) ([]market.LongShortRatio, error)

	SaveDataVersion(ctx context.Context, version *market.DataVersion) error
	DataVersions(ctx context.Context, table, symbol string, limit int) ([]market.DataVersion, error)

	// Vacuum reclaims space and refreshes planner statistics where the
	// backend supports it.
	Vacuum(ctx context.Context) error

	// Info returns backend identity and row counts for health reporting.
	Info(ctx context.Context) (Info, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// Info describes one backend instance.
type Info struct {
	Backend   string           `json:"backend"`
	Location  string           `json:"location"`
	SizeBytes int64            `json:"size_bytes,omitempty"`
	Rows      map[string]int64 `json:"rows"`
}

// Config selects and configures a backend.
type Config struct {
	// Type is one of the Backend constants. Default: BackendSQLite
	Type string

	Postgres PostgresConfig
	SQLite   SQLiteConfig
	Cloud    CloudConfig

	Logger  observe.Logger
	Metrics observe.Metrics
}

// Open builds the configured driver and initializes its schema.
func Open(ctx context.Context, config Config) (Driver, error) {
	if config.Type == "" {
		config.Type = BackendSQLite
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observe.NopMetrics()
	}

	var (
		driver Driver
		err    error
	)
	switch config.Type {
	case BackendTimescale:
		driver, err = NewPostgresDriver(ctx, config.Postgres, config.Logger, config.Metrics)
	case BackendSQLite:
		driver, err = NewSQLiteDriver(config.SQLite, config.Logger, config.Metrics)
	case BackendCloudDoc:
		driver, err = NewCloudDocDriver(ctx, config.Cloud, config.Logger, config.Metrics)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := driver.Init(ctx); err != nil {
		driver.Close()
		return nil, err
	}
	return driver, nil
}
