package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonwraymond/futuresfeed/cache"
	"github.com/jonwraymond/futuresfeed/resilience"
	"github.com/jonwraymond/futuresfeed/storage"
)

// Database type names accepted in configuration. They map onto the
// storage backend constants.
const (
	TypeRelational   = "relational"
	TypeEmbeddedFile = "embedded_file"
	TypeCloudDoc     = "cloud_doc"
)

// Config is the full process configuration.
type Config struct {
	DatabaseType string

	Database   DatabaseConfig
	Embedded   EmbeddedConfig
	Cloud      CloudConfig
	Cache      CacheConfig
	Collection CollectionConfig
	Resilience ResilienceConfig
	Exchange   ExchangeConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
}

// DatabaseConfig is the relational backend connection.
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// EmbeddedConfig is the embedded file backend.
type EmbeddedConfig struct {
	Path string
}

// CloudConfig is the cloud document backend.
type CloudConfig struct {
	ProjectID       string
	CredentialsPath string
	RootCollection  string
}

// CacheConfig is the hot cache. The cache is in-process; disabling it
// only turns off the latest-value reads, never persistence.
type CacheConfig struct {
	Enabled      bool
	MarkPriceTTL time.Duration
	CandleTTL    time.Duration
	OrderBookTTL time.Duration
	RatioTTL     time.Duration
}

// CollectionConfig is what to collect and how aggressively.
type CollectionConfig struct {
	Symbols        []string
	Timeframes     []string
	OIPeriods      []string
	HistoricalDays int
	OrderBookDepth int
	SkipOrderBook  bool
	MaxConcurrent  int

	WSBatchSize     int
	WSBatchInterval time.Duration
}

// ResilienceConfig tunes the retry, breaker, and rate limit layers.
type ResilienceConfig struct {
	RetryMaxRetries   int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	RatePerMinute  float64
	Burst          int
	MaxConcurrent  int
	RequestTimeout time.Duration
}

// ExchangeConfig is the exchange endpoint and credentials.
type ExchangeConfig struct {
	BaseURL string
	WSURL   string
	APIKey  string
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level string
}

// MetricsConfig tunes the metrics exporter.
type MetricsConfig struct {
	Enabled  bool
	Exporter string
	Listen   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_type", TypeEmbeddedFile)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "futuresfeed")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("embedded.path", "futuresfeed.db")

	v.SetDefault("cloud.root_collection", "futures_data")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.mark_price_ttl", "30s")
	v.SetDefault("cache.candle_ttl", "5m")
	v.SetDefault("cache.order_book_ttl", "30s")
	v.SetDefault("cache.ratio_ttl", "5m")

	v.SetDefault("collection.symbols", []string{"SOL/USDT"})
	v.SetDefault("collection.timeframes", []string{"5m"})
	v.SetDefault("collection.oi_periods", []string{"5m"})
	v.SetDefault("collection.historical_days", 30)
	v.SetDefault("collection.order_book_depth", 100)
	v.SetDefault("collection.skip_order_book", false)
	v.SetDefault("collection.max_concurrent", 3)
	v.SetDefault("collection.ws_batch_size", 10)
	v.SetDefault("collection.ws_batch_interval", "100ms")

	v.SetDefault("resilience.retry.max_retries", 3)
	v.SetDefault("resilience.retry.initial_delay", "1s")
	v.SetDefault("resilience.retry.max_delay", "30s")
	v.SetDefault("resilience.breaker.failure_threshold", 10)
	v.SetDefault("resilience.breaker.recovery_timeout", "2m")
	v.SetDefault("resilience.rate_per_minute", 1200)
	v.SetDefault("resilience.burst", 20)
	v.SetDefault("resilience.max_concurrent", 10)
	v.SetDefault("resilience.request_timeout", "30s")

	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.ws_url", "")
	v.SetDefault("exchange.api_key", "")

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.exporter", "prometheus")
	v.SetDefault("metrics.listen", ":9090")
}

// Load reads configuration from path. An empty path searches for
// futuresfeed.yaml in the working directory and /etc/futuresfeed, with
// built-in defaults when no file exists. FUTURESFEED_* environment
// variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FUTURESFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("futuresfeed")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/futuresfeed")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	cfg := &Config{
		DatabaseType: strings.ToLower(v.GetString("database_type")),
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			Database: v.GetString("database.database"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: v.GetInt("database.max_conns"),
			MinConns: v.GetInt("database.min_conns"),
		},
		Embedded: EmbeddedConfig{
			Path: v.GetString("embedded.path"),
		},
		Cloud: CloudConfig{
			ProjectID:       v.GetString("cloud.project_id"),
			CredentialsPath: v.GetString("cloud.credentials_path"),
			RootCollection:  v.GetString("cloud.root_collection"),
		},
		Cache: CacheConfig{
			Enabled:      v.GetBool("cache.enabled"),
			MarkPriceTTL: v.GetDuration("cache.mark_price_ttl"),
			CandleTTL:    v.GetDuration("cache.candle_ttl"),
			OrderBookTTL: v.GetDuration("cache.order_book_ttl"),
			RatioTTL:     v.GetDuration("cache.ratio_ttl"),
		},
		Collection: CollectionConfig{
			Symbols:         v.GetStringSlice("collection.symbols"),
			Timeframes:      v.GetStringSlice("collection.timeframes"),
			OIPeriods:       v.GetStringSlice("collection.oi_periods"),
			HistoricalDays:  v.GetInt("collection.historical_days"),
			OrderBookDepth:  v.GetInt("collection.order_book_depth"),
			SkipOrderBook:   v.GetBool("collection.skip_order_book"),
			MaxConcurrent:   v.GetInt("collection.max_concurrent"),
			WSBatchSize:     v.GetInt("collection.ws_batch_size"),
			WSBatchInterval: v.GetDuration("collection.ws_batch_interval"),
		},
		Resilience: ResilienceConfig{
			RetryMaxRetries:         v.GetInt("resilience.retry.max_retries"),
			RetryInitialDelay:       v.GetDuration("resilience.retry.initial_delay"),
			RetryMaxDelay:           v.GetDuration("resilience.retry.max_delay"),
			BreakerFailureThreshold: v.GetInt("resilience.breaker.failure_threshold"),
			BreakerRecoveryTimeout:  v.GetDuration("resilience.breaker.recovery_timeout"),
			RatePerMinute:           v.GetFloat64("resilience.rate_per_minute"),
			Burst:                   v.GetInt("resilience.burst"),
			MaxConcurrent:           v.GetInt("resilience.max_concurrent"),
			RequestTimeout:          v.GetDuration("resilience.request_timeout"),
		},
		Exchange: ExchangeConfig{
			BaseURL: v.GetString("exchange.base_url"),
			WSURL:   v.GetString("exchange.ws_url"),
			APIKey:  v.GetString("exchange.api_key"),
		},
		Logging: LoggingConfig{
			Level: v.GetString("logging.level"),
		},
		Metrics: MetricsConfig{
			Enabled:  v.GetBool("metrics.enabled"),
			Exporter: v.GetString("metrics.exporter"),
			Listen:   v.GetString("metrics.listen"),
		},
	}

	if err := cfg.expandSecrets(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets applies strict ${VAR} expansion to the fields that may
// carry credentials.
func (c *Config) expandSecrets() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"database.password", &c.Database.Password},
		{"cloud.credentials_path", &c.Cloud.CredentialsPath},
		{"exchange.api_key", &c.Exchange.APIKey},
	}
	for _, f := range fields {
		expanded, err := expandEnvStrict(*f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = expanded
	}
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.DatabaseType {
	case TypeRelational, TypeEmbeddedFile, TypeCloudDoc:
	default:
		return fmt.Errorf("config: unknown database_type %q", c.DatabaseType)
	}

	if c.DatabaseType == TypeRelational {
		if c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "" {
			return fmt.Errorf("config: relational backend requires database.host, database.database, database.user")
		}
	}
	if c.DatabaseType == TypeEmbeddedFile && c.Embedded.Path == "" {
		return fmt.Errorf("config: embedded backend requires embedded.path")
	}
	if c.DatabaseType == TypeCloudDoc && c.Cloud.ProjectID == "" {
		return fmt.Errorf("config: cloud backend requires cloud.project_id")
	}

	if len(c.Collection.Symbols) == 0 {
		return fmt.Errorf("config: collection.symbols must not be empty")
	}
	if len(c.Collection.Timeframes) == 0 {
		return fmt.Errorf("config: collection.timeframes must not be empty")
	}
	if c.Collection.HistoricalDays <= 0 {
		return fmt.Errorf("config: collection.historical_days must be positive")
	}
	return nil
}

// StorageConfig maps the configuration onto the storage factory.
func (c *Config) StorageConfig() storage.Config {
	var backend string
	switch c.DatabaseType {
	case TypeRelational:
		backend = storage.BackendTimescale
	case TypeCloudDoc:
		backend = storage.BackendCloudDoc
	default:
		backend = storage.BackendSQLite
	}
	return storage.Config{
		Type: backend,
		Postgres: storage.PostgresConfig{
			Host:     c.Database.Host,
			Port:     c.Database.Port,
			User:     c.Database.User,
			Password: c.Database.Password,
			Database: c.Database.Database,
			SSLMode:  c.Database.SSLMode,
			MaxConns: int32(c.Database.MaxConns),
			MinConns: int32(c.Database.MinConns),
		},
		SQLite: storage.SQLiteConfig{
			Path: c.Embedded.Path,
		},
		Cloud: storage.CloudConfig{
			ProjectID:       c.Cloud.ProjectID,
			CredentialsFile: c.Cloud.CredentialsPath,
			RootCollection:  c.Cloud.RootCollection,
		},
	}
}

// CachePolicy maps the cache TTLs onto the store policy.
func (c *Config) CachePolicy() cache.Policy {
	return cache.Policy{
		MarkPriceTTL: c.Cache.MarkPriceTTL,
		CandleTTL:    c.Cache.CandleTTL,
		OrderBookTTL: c.Cache.OrderBookTTL,
		RatioTTL:     c.Cache.RatioTTL,
	}
}

// RetryConfig maps the retry tuning onto the resilience layer.
func (c *Config) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:   c.Resilience.RetryMaxRetries,
		InitialDelay: c.Resilience.RetryInitialDelay,
		MaxDelay:     c.Resilience.RetryMaxDelay,
		Jitter:       true,
	}
}

// BreakerConfig maps the breaker tuning onto the resilience layer.
func (c *Config) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.Resilience.BreakerFailureThreshold,
		RecoveryTimeout:  c.Resilience.BreakerRecoveryTimeout,
	}
}

// Window returns the historical collection window ending now.
func (c *Config) Window(now time.Time) (start, end time.Time) {
	end = now.UTC()
	start = end.AddDate(0, 0, -c.Collection.HistoricalDays)
	return start, end
}
