package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/futuresfeed/cache"
	"github.com/jonwraymond/futuresfeed/resilience"
	"github.com/jonwraymond/futuresfeed/storage"
)

// StorageChecker verifies the persistence backend answers and reports
// its row counts.
type StorageChecker struct {
	driver storage.Driver
}

// NewStorageChecker wraps a storage driver.
func NewStorageChecker(driver storage.Driver) *StorageChecker {
	return &StorageChecker{driver: driver}
}

// Name returns "storage".
func (c *StorageChecker) Name() string { return "storage" }

// Check pings the backend. Info failures degrade rather than fail the
// check since the backend is still reachable.
func (c *StorageChecker) Check(ctx context.Context) Result {
	if err := c.driver.Ping(ctx); err != nil {
		return Unhealthy("backend unreachable", err)
	}
	info, err := c.driver.Info(ctx)
	if err != nil {
		return Degraded(fmt.Sprintf("reachable, info failed: %v", err))
	}

	details := map[string]any{
		"backend":  info.Backend,
		"location": info.Location,
	}
	if info.SizeBytes > 0 {
		details["size_bytes"] = info.SizeBytes
	}
	var total int64
	for table, n := range info.Rows {
		details["rows_"+table] = n
		total += n
	}
	return Healthy(fmt.Sprintf("%s: %d rows", info.Backend, total)).WithDetails(details)
}

// CacheChecker round-trips a probe entry through the hot cache.
type CacheChecker struct {
	cache cache.Cache
}

// NewCacheChecker wraps a cache.
func NewCacheChecker(c cache.Cache) *CacheChecker {
	return &CacheChecker{cache: c}
}

// Name returns "cache".
func (c *CacheChecker) Name() string { return "cache" }

// Check writes a probe key and reads it back.
func (c *CacheChecker) Check(ctx context.Context) Result {
	const key = "health:probe"
	want := []byte(time.Now().UTC().Format(time.RFC3339Nano))

	if err := c.cache.Set(ctx, key, want, time.Minute); err != nil {
		return Unhealthy("probe write failed", err)
	}
	got, ok := c.cache.Get(ctx, key)
	if !ok || !bytes.Equal(got, want) {
		return Unhealthy("probe read back wrong value", errors.New("health: cache probe mismatch"))
	}
	if err := c.cache.Delete(ctx, key); err != nil {
		return Degraded(fmt.Sprintf("probe cleanup failed: %v", err))
	}
	return Healthy("probe round trip ok")
}

// ExchangeAPI is the slice of the exchange client the check needs.
type ExchangeAPI interface {
	Ping(ctx context.Context) error
	BreakerStats() map[string]resilience.CircuitStats
}

// ExchangeChecker verifies the exchange REST API answers and reports
// circuit state per endpoint.
type ExchangeChecker struct {
	client ExchangeAPI
}

// NewExchangeChecker wraps an exchange client.
func NewExchangeChecker(client ExchangeAPI) *ExchangeChecker {
	return &ExchangeChecker{client: client}
}

// Name returns "exchange".
func (c *ExchangeChecker) Name() string { return "exchange" }

// Check pings the API. Open circuits on individual endpoints degrade
// the check even when the ping succeeds.
func (c *ExchangeChecker) Check(ctx context.Context) Result {
	if err := c.client.Ping(ctx); err != nil {
		return Unhealthy("api unreachable", err)
	}

	details := map[string]any{}
	var open []string
	for resource, stats := range c.client.BreakerStats() {
		details["breaker_"+resource] = stats.State.String()
		if stats.State == resilience.StateOpen {
			open = append(open, resource)
		}
	}
	if len(open) > 0 {
		return Degraded(fmt.Sprintf("%d circuit(s) open", len(open))).WithDetails(details)
	}
	return Healthy("api reachable").WithDetails(details)
}

// FreshnessChecker verifies the most recent stored candle is not stale.
type FreshnessChecker struct {
	driver    storage.Driver
	symbol    string
	timeframe string
	maxAge    time.Duration
	now       func() time.Time
}

// NewFreshnessChecker builds a staleness check for one (symbol,
// timeframe) series. maxAge defaults to 10 minutes.
func NewFreshnessChecker(driver storage.Driver, symbol, timeframe string, maxAge time.Duration) *FreshnessChecker {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &FreshnessChecker{
		driver:    driver,
		symbol:    symbol,
		timeframe: timeframe,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Name returns "freshness".
func (c *FreshnessChecker) Name() string { return "freshness" }

// Check reads the latest candle. Missing or stale data degrades rather
// than fails: the pipeline may simply not have run yet.
func (c *FreshnessChecker) Check(ctx context.Context) Result {
	latest, ok, err := c.driver.LatestCandle(ctx, c.symbol, c.timeframe)
	if err != nil {
		return Unhealthy("latest candle read failed", err)
	}
	if !ok {
		return Degraded(fmt.Sprintf("no candles stored for %s %s", c.symbol, c.timeframe))
	}

	age := c.now().Sub(latest.Time)
	details := map[string]any{
		"symbol":      c.symbol,
		"timeframe":   c.timeframe,
		"latest_time": latest.Time.UTC().Format(time.RFC3339),
		"age_seconds": int64(age.Seconds()),
	}
	if age > c.maxAge {
		return Degraded(fmt.Sprintf("latest candle is %s old", age.Round(time.Second))).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("latest candle %s old", age.Round(time.Second))).WithDetails(details)
}
