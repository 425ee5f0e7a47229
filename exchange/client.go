package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/observe"
	"github.com/jonwraymond/futuresfeed/resilience"
)

const (
	// DefaultBaseURL is the production REST endpoint for USD-margined
	// futures.
	DefaultBaseURL = "https://fapi.binance.com"

	// DefaultWSBaseURL is the production combined-stream endpoint.
	DefaultWSBaseURL = "wss://fstream.binance.com"
)

// maxBody caps how much of a response body is read.
const maxBody = 10 << 20

// Config configures the exchange client.
type Config struct {
	// BaseURL is the REST endpoint. Default: DefaultBaseURL
	BaseURL string

	// WSBaseURL is the WebSocket endpoint. Default: DefaultWSBaseURL
	WSBaseURL string

	// APIKey is sent on every REST request when set. Public market-data
	// endpoints work without one but get a larger weight budget with it.
	APIKey string

	// HTTPClient overrides the transport. Default: http.Client with no
	// client-side timeout (the per-call deadline governs).
	HTTPClient *http.Client

	// RequestTimeout is the hard deadline on one attempt.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// RatePerMinute and Burst size the shared token bucket.
	// Defaults: 1200, 20
	RatePerMinute float64
	Burst         int

	// MaxConcurrent caps in-flight REST requests. Default: 10
	MaxConcurrent int

	// Retry configures the retry loop around each endpoint's breaker.
	Retry resilience.RetryConfig

	// Breaker supplies per-endpoint breaker defaults. Exchange endpoints
	// trip slower than internal calls so that routine blips do not open
	// the circuit. Defaults: FailureThreshold 10, RecoveryTimeout 2
	// minutes.
	Breaker resilience.CircuitBreakerConfig

	// Tracker receives every failed call. Optional.
	Tracker *errtrack.Tracker

	Logger  observe.Logger
	Metrics observe.Metrics
}

// Client is the REST and WebSocket client for the futures exchange.
type Client struct {
	baseURL   string
	wsBaseURL string
	apiKey    string
	http      *http.Client
	timeout   time.Duration

	limiter  *resilience.RateLimiter
	bulkhead *resilience.Bulkhead
	retry    *resilience.Retry
	breakers *resilience.Registry

	tracker *errtrack.Tracker
	logger  observe.Logger
	metrics observe.Metrics

	mu        sync.Mutex
	executors map[string]*resilience.Executor
}

// NewClient creates a new exchange client.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.WSBaseURL == "" {
		config.WSBaseURL = DefaultWSBaseURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.Breaker.FailureThreshold <= 0 {
		config.Breaker.FailureThreshold = 10
	}
	if config.Breaker.RecoveryTimeout <= 0 {
		config.Breaker.RecoveryTimeout = 2 * time.Minute
	}
	if config.Retry.RetryIf == nil {
		config.Retry.RetryIf = errtrack.IsRetryable
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observe.NopMetrics()
	}

	return &Client{
		baseURL:   config.BaseURL,
		wsBaseURL: config.WSBaseURL,
		apiKey:    config.APIKey,
		http:      config.HTTPClient,
		timeout:   config.RequestTimeout,
		limiter: resilience.NewRateLimiter(resilience.RateLimiterConfig{
			RatePerMinute: config.RatePerMinute,
			Burst:         config.Burst,
		}),
		bulkhead: resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: config.MaxConcurrent,
		}),
		retry:     resilience.NewRetry(config.Retry),
		breakers:  resilience.NewRegistry(config.Breaker),
		tracker:   config.Tracker,
		logger:    config.Logger,
		metrics:   config.Metrics,
		executors: make(map[string]*resilience.Executor),
	}
}

// BreakerStats exposes per-endpoint circuit state for health reporting.
func (c *Client) BreakerStats() map[string]resilience.CircuitStats {
	return c.breakers.Stats()
}

// executor returns the resilience chain for one resource, building it on
// first use. Retry wraps the resource's breaker so an open circuit fails
// fast instead of burning the retry budget.
func (c *Client) executor(resource string) *resilience.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.executors[resource]; ok {
		return e
	}
	e := resilience.NewExecutor(
		resilience.WithRateLimiter(c.limiter),
		resilience.WithBulkhead(c.bulkhead),
		resilience.WithRetry(c.retry),
		resilience.WithCircuitBreaker(c.breakers.Get(resource)),
		resilience.WithTimeout(c.timeout),
	)
	c.executors[resource] = e
	return e
}

// call runs one logical request through the resource's resilience chain
// and records the outcome.
func (c *Client) call(ctx context.Context, resource, symbol string, op func(context.Context) error) error {
	start := time.Now()
	err := c.executor(resource).Execute(ctx, op)
	c.metrics.ExchangeRequest(ctx, resource, time.Since(start), err)
	if err == nil {
		return nil
	}

	if errors.Is(err, resilience.ErrCircuitOpen) {
		c.metrics.BreakerRejection(ctx, resource)
	}
	kind := errtrack.KindOf(err)
	severity := errtrack.SeverityError
	if kind == errtrack.KindRateLimit || kind == errtrack.KindCircuitOpen {
		severity = errtrack.SeverityWarning
	}
	if c.tracker != nil {
		c.tracker.Record(errtrack.Kind("api_"+resource+"_error"), err, map[string]string{
			"resource": resource,
			"symbol":   symbol,
			"kind":     string(kind),
		}, severity)
	}
	c.logger.Warn(ctx, "exchange request failed",
		observe.F("resource", resource),
		observe.F("symbol", symbol),
		observe.F("kind", string(kind)),
		observe.F("error", err.Error()),
	)
	return err
}

// get performs one GET and decodes the body into out. Transport failures,
// non-2xx statuses, and undecodable bodies are classified at this boundary.
func (c *Client) get(ctx context.Context, resource, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errtrack.E(errtrack.KindConfig, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return errtrack.E(errtrack.KindNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return errtrack.E(errtrack.KindNetwork, fmt.Errorf("exchange: read %s: %w", resource, err))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Resource: resource, Status: resp.StatusCode}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return errtrack.E(kindForStatus(resp.StatusCode), apiErr)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errtrack.E(errtrack.KindExchangeClient, fmt.Errorf("exchange: decode %s: %w", resource, err))
	}
	return nil
}
