// Package config defines the top-level configuration for ledgersync and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEDGERSYNC_* environment variables.
type Config struct {
	Ledger     LedgerConfig     `toml:"ledger"`
	Broker     BrokerConfig     `toml:"broker"`
	Store      StoreConfig      `toml:"store"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// LedgerConfig selects and configures the external trade ledger.
type LedgerConfig struct {
	// Driver is one of "sheet", "postgres" or "memory".
	Driver            string   `toml:"driver"`
	BaseURL           string   `toml:"base_url"`
	SheetID           string   `toml:"sheet_id"`
	Tab               string   `toml:"tab"`
	APIToken          string   `toml:"api_token"`
	HMACSecret        string   `toml:"hmac_secret"`
	SymbolMapPath     string   `toml:"symbol_map_path"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Timeout           duration `toml:"timeout"`
}

// BrokerConfig selects and configures the broker execution gateway.
type BrokerConfig struct {
	// Driver is "gateway" (REST + websocket) or "paper" (in-memory).
	Driver            string   `toml:"driver"`
	BaseURL           string   `toml:"base_url"`
	WsURL             string   `toml:"ws_url"`
	AccountID         string   `toml:"account_id"`
	APIToken          string   `toml:"api_token"`
	HMACSecret        string   `toml:"hmac_secret"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	MaxRetries        int      `toml:"max_retries"`
	Timeout           duration `toml:"timeout"`
}

// StoreConfig selects where actions, pending writes and the audit log live.
type StoreConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver     string         `toml:"driver"`
	SQLitePath string         `toml:"sqlite_path"`
	Postgres   PostgresConfig `toml:"postgres"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, locks, rate
// limits and the event bus are kept in process.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for pass reports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ClickHouseConfig enables the fill analytics sink.
type ClickHouseConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	Interval          duration `toml:"interval"`
	Concurrency       int      `toml:"concurrency"`
	LockTTL           duration `toml:"lock_ttl"`
	FillTimeout       duration `toml:"fill_timeout"`
	FillPollInterval  duration `toml:"fill_poll_interval"`
	OrderRateLimit    int      `toml:"order_rate_limit"`
	OrderRateWindow   duration `toml:"order_rate_window"`
	WriteRetryEvery   duration `toml:"write_retry_every"`
	WriteRetryBackoff duration `toml:"write_retry_backoff"`
	WriteRetryMax     duration `toml:"write_retry_max"`
	WriteBatchSize    int      `toml:"write_batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is the number of API requests allowed per client per minute.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Driver:            "sheet",
			BaseURL:           "http://localhost:8787",
			Tab:               "DataEntry",
			RequestsPerSecond: 1,
			Timeout:           duration{15 * time.Second},
		},
		Broker: BrokerConfig{
			Driver:            "gateway",
			BaseURL:           "https://localhost:5000/v1/api",
			RequestsPerSecond: 5,
			MaxRetries:        3,
			Timeout:           duration{10 * time.Second},
		},
		Store: StoreConfig{
			Driver:     "postgres",
			SQLitePath: "ledgersync.db",
			Postgres: PostgresConfig{
				Host:          "localhost",
				Port:          5432,
				Database:      "ledgersync",
				User:          "postgres",
				SSLMode:       "disable",
				PoolMaxConns:  10,
				PoolMinConns:  2,
				RunMigrations: true,
			},
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ledgersync",
			Prefix:         "reports",
			ForcePathStyle: true,
		},
		ClickHouse: ClickHouseConfig{
			DSN: "clickhouse://default:@localhost:9000/ledgersync",
		},
		Reconcile: ReconcileConfig{
			Interval:          duration{time.Minute},
			Concurrency:       4,
			LockTTL:           duration{2 * time.Minute},
			FillTimeout:       duration{30 * time.Second},
			FillPollInterval:  duration{500 * time.Millisecond},
			OrderRateLimit:    10,
			OrderRateWindow:   duration{time.Minute},
			WriteRetryEvery:   duration{15 * time.Second},
			WriteRetryBackoff: duration{5 * time.Second},
			WriteRetryMax:     duration{10 * time.Minute},
			WriteBatchSize:    50,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"submission_failed", "ambiguous_state", "write_conflict", "order_filled", "trade_closed", "ledger_written", "divergence"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "ledgersync",
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var (
	validModes         = map[string]bool{"serve": true, "once": true}
	validLogLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLedgerDrivers = map[string]bool{"sheet": true, "postgres": true, "memory": true}
	validBrokerDrivers = map[string]bool{"gateway": true, "paper": true}
	validStoreDrivers  = map[string]bool{"postgres": true, "sqlite": true, "memory": true}
)

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, once)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if !validLedgerDrivers[c.Ledger.Driver] {
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: sheet, postgres, memory)", c.Ledger.Driver))
	}
	if c.Ledger.Driver == "sheet" {
		if c.Ledger.BaseURL == "" {
			errs = append(errs, "ledger: base_url must not be empty for the sheet driver")
		}
		if c.Ledger.SheetID == "" {
			errs = append(errs, "ledger: sheet_id must not be empty for the sheet driver")
		}
		if c.Ledger.Tab == "" {
			errs = append(errs, "ledger: tab must not be empty for the sheet driver")
		}
	}
	if c.Ledger.Driver == "postgres" && c.Store.Driver != "postgres" {
		errs = append(errs, "ledger: the postgres ledger requires store.driver = postgres")
	}
	if c.Ledger.RequestsPerSecond <= 0 {
		errs = append(errs, "ledger: requests_per_second must be > 0")
	}

	// Broker
	if !validBrokerDrivers[c.Broker.Driver] {
		errs = append(errs, fmt.Sprintf("broker: unknown driver %q (valid: gateway, paper)", c.Broker.Driver))
	}
	if c.Broker.Driver == "gateway" && c.Broker.BaseURL == "" {
		errs = append(errs, "broker: base_url must not be empty for the gateway driver")
	}
	if c.Broker.RequestsPerSecond <= 0 {
		errs = append(errs, "broker: requests_per_second must be > 0")
	}
	if c.Broker.MaxRetries < 0 {
		errs = append(errs, "broker: max_retries must be >= 0")
	}

	// Store
	if !validStoreDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver))
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		errs = append(errs, "store: sqlite_path must not be empty for the sqlite driver")
	}
	if c.Store.Driver == "postgres" {
		pg := c.Store.Postgres
		if strings.TrimSpace(pg.DSN) == "" {
			if pg.Host == "" {
				errs = append(errs, "store.postgres: host must not be empty (or set dsn)")
			}
			if pg.Port <= 0 || pg.Port > 65535 {
				errs = append(errs, fmt.Sprintf("store.postgres: port must be 1-65535, got %d", pg.Port))
			}
			if pg.Database == "" {
				errs = append(errs, "store.postgres: database must not be empty")
			}
		}
		if pg.PoolMaxConns < 1 {
			errs = append(errs, "store.postgres: pool_max_conns must be >= 1")
		}
		if pg.PoolMinConns < 0 || pg.PoolMinConns > pg.PoolMaxConns {
			errs = append(errs, "store.postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.ClickHouse.Enabled && c.ClickHouse.DSN == "" {
		errs = append(errs, "clickhouse: dsn must not be empty when enabled")
	}

	// Reconcile
	r := c.Reconcile
	if r.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0")
	}
	if r.Concurrency < 1 {
		errs = append(errs, "reconcile: concurrency must be >= 1")
	}
	if r.LockTTL.Duration < r.FillTimeout.Duration {
		errs = append(errs, "reconcile: lock_ttl must be >= fill_timeout")
	}
	if r.FillPollInterval.Duration <= 0 {
		errs = append(errs, "reconcile: fill_poll_interval must be > 0")
	}
	if r.OrderRateLimit < 1 || r.OrderRateWindow.Duration <= 0 {
		errs = append(errs, "reconcile: order_rate_limit and order_rate_window must be positive")
	}
	if r.WriteRetryEvery.Duration <= 0 || r.WriteRetryBackoff.Duration <= 0 {
		errs = append(errs, "reconcile: write_retry_every and write_retry_backoff must be > 0")
	}
	if r.WriteRetryMax.Duration < r.WriteRetryBackoff.Duration {
		errs = append(errs, "reconcile: write_retry_max must be >= write_retry_backoff")
	}
	if r.WriteBatchSize < 1 {
		errs = append(errs, "reconcile: write_batch_size must be >= 1")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Notify: token and chat ID must be set together.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
