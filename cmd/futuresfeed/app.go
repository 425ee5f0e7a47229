package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonwraymond/futuresfeed/cache"
	"github.com/jonwraymond/futuresfeed/collector"
	"github.com/jonwraymond/futuresfeed/config"
	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/exchange"
	"github.com/jonwraymond/futuresfeed/health"
	"github.com/jonwraymond/futuresfeed/observe"
	"github.com/jonwraymond/futuresfeed/storage"
)

// app bundles the wired subsystems behind one lifecycle.
type app struct {
	cfg      *config.Config
	observer *observe.Observer
	tracker  *errtrack.Tracker
	client   *exchange.Client
	hot      *cache.Store
	raw      cache.Cache

	store storage.Driver
}

// newApp loads configuration and builds everything except storage,
// which callers open on demand so read-only commands stay cheap.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitErr(exitConfig, err)
	}

	observer, err := observe.New(observe.Config{
		ServiceName: "futuresfeed",
		Metrics: observe.MetricsConfig{
			Enabled:  cfg.Metrics.Enabled,
			Exporter: cfg.Metrics.Exporter,
		},
		Logging: observe.LoggingConfig{Level: cfg.Logging.Level},
	})
	if err != nil {
		return nil, exitErr(exitConfig, err)
	}

	tracker := errtrack.NewTracker(errtrack.Config{
		Sink: errtrack.LogSink(observer.Logger),
	})

	client := exchange.NewClient(exchange.Config{
		BaseURL:        cfg.Exchange.BaseURL,
		WSBaseURL:      cfg.Exchange.WSURL,
		APIKey:         cfg.Exchange.APIKey,
		RatePerMinute:  cfg.Resilience.RatePerMinute,
		Burst:          cfg.Resilience.Burst,
		MaxConcurrent:  cfg.Resilience.MaxConcurrent,
		RequestTimeout: cfg.Resilience.RequestTimeout,
		Retry:          cfg.RetryConfig(),
		Breaker:        cfg.BreakerConfig(),
		Tracker:        tracker,
		Logger:         observer.Logger,
		Metrics:        observer.Metrics,
	})

	a := &app{
		cfg:      cfg,
		observer: observer,
		tracker:  tracker,
		client:   client,
	}

	if cfg.Cache.Enabled {
		a.raw = cache.NewMemoryCache()
		hot, err := cache.NewStore(a.raw, cfg.CachePolicy())
		if err != nil {
			return nil, exitErr(exitConfig, err)
		}
		a.hot = hot
	}
	return a, nil
}

// openStorage opens and initializes the configured backend.
func (a *app) openStorage(ctx context.Context) error {
	store, err := storage.Open(ctx, withObservability(a.cfg.StorageConfig(), a.observer))
	if err != nil {
		return exitErr(exitStorage, err)
	}
	a.store = store
	return nil
}

func withObservability(cfg storage.Config, observer *observe.Observer) storage.Config {
	cfg.Logger = observer.Logger
	cfg.Metrics = observer.Metrics
	return cfg
}

// close releases everything newApp and openStorage acquired.
func (a *app) close(ctx context.Context) {
	if a.store != nil {
		a.store.Close()
	}
	a.tracker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.observer.Shutdown(shutdownCtx); err != nil {
		fmt.Println("metrics shutdown:", err)
	}
}

// historicalConfig maps the collection settings onto the backfill
// collector.
func (a *app) historicalConfig(start, end time.Time) collector.HistoricalConfig {
	return collector.HistoricalConfig{
		Symbols:       a.cfg.Collection.Symbols,
		Timeframes:    a.cfg.Collection.Timeframes,
		Periods:       a.cfg.Collection.OIPeriods,
		Start:         start,
		End:           end,
		DepthLimit:    a.cfg.Collection.OrderBookDepth,
		SkipOrderBook: a.cfg.Collection.SkipOrderBook,
		MaxConcurrent: a.cfg.Collection.MaxConcurrent,
		Logger:        a.observer.Logger,
		Metrics:       a.observer.Metrics,
		Tracker:       a.tracker,
	}
}

// streamingConfig maps the collection settings onto the realtime
// collector.
func (a *app) streamingConfig() collector.StreamingConfig {
	return collector.StreamingConfig{
		Symbols:       a.cfg.Collection.Symbols,
		Timeframes:    a.cfg.Collection.Timeframes,
		BufferSize:    a.cfg.Collection.WSBatchSize,
		FlushInterval: a.cfg.Collection.WSBatchInterval,
		Logger:        a.observer.Logger,
		Metrics:       a.observer.Metrics,
		Tracker:       a.tracker,
	}
}

// dial adapts the exchange subscription to the collector's stream
// interface.
func (a *app) dial(ctx context.Context, streams []string) (collector.Stream, error) {
	return a.client.SubscribeStreams(ctx, streams)
}

// healthAggregator registers the standard checks against the wired
// subsystems. Requires openStorage to have run.
func (a *app) healthAggregator() *health.Aggregator {
	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register(health.NewStorageChecker(a.store))
	agg.Register(health.NewExchangeChecker(a.client))
	if a.raw != nil {
		agg.Register(health.NewCacheChecker(a.raw))
	}
	agg.Register(health.NewFreshnessChecker(a.store,
		a.cfg.Collection.Symbols[0], a.cfg.Collection.Timeframes[0], 0))
	return agg
}

// serveOps exposes the prometheus scrape endpoint and the health probes
// until ctx ends.
func (a *app) serveOps(ctx context.Context, agg *health.Aggregator) {
	if !a.cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	if handler := a.observer.MetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}
	health.RegisterHandlers(mux, agg)
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.observer.Logger.Error(ctx, "metrics server failed", observe.F("error", err.Error()))
		}
	}()
}
