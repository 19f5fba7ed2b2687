package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// MasterPasswordEnv names the variable holding the password that unlocks
// "enc:" secrets in the configuration.
const MasterPasswordEnv = "LEDGERSYNC_MASTER_PASSWORD"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEDGERSYNC_* environment variable overrides,
// decrypts "enc:" secrets and returns the final Config. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := decryptSecrets(&cfg, os.Getenv(MasterPasswordEnv)); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEDGERSYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "LEDGERSYNC_LEDGER_DRIVER")
	setStr(&cfg.Ledger.BaseURL, "LEDGERSYNC_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.SheetID, "LEDGERSYNC_LEDGER_SHEET_ID")
	setStr(&cfg.Ledger.Tab, "LEDGERSYNC_LEDGER_TAB")
	setStr(&cfg.Ledger.APIToken, "LEDGERSYNC_LEDGER_API_TOKEN")
	setStr(&cfg.Ledger.HMACSecret, "LEDGERSYNC_LEDGER_HMAC_SECRET")
	setStr(&cfg.Ledger.SymbolMapPath, "LEDGERSYNC_LEDGER_SYMBOL_MAP_PATH")
	setFloat64(&cfg.Ledger.RequestsPerSecond, "LEDGERSYNC_LEDGER_REQUESTS_PER_SECOND")
	setDuration(&cfg.Ledger.Timeout, "LEDGERSYNC_LEDGER_TIMEOUT")

	// ── Broker ──
	setStr(&cfg.Broker.Driver, "LEDGERSYNC_BROKER_DRIVER")
	setStr(&cfg.Broker.BaseURL, "LEDGERSYNC_BROKER_BASE_URL")
	setStr(&cfg.Broker.WsURL, "LEDGERSYNC_BROKER_WS_URL")
	setStr(&cfg.Broker.AccountID, "LEDGERSYNC_BROKER_ACCOUNT_ID")
	setStr(&cfg.Broker.APIToken, "LEDGERSYNC_BROKER_API_TOKEN")
	setStr(&cfg.Broker.HMACSecret, "LEDGERSYNC_BROKER_HMAC_SECRET")
	setFloat64(&cfg.Broker.RequestsPerSecond, "LEDGERSYNC_BROKER_REQUESTS_PER_SECOND")
	setInt(&cfg.Broker.MaxRetries, "LEDGERSYNC_BROKER_MAX_RETRIES")
	setDuration(&cfg.Broker.Timeout, "LEDGERSYNC_BROKER_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.Driver, "LEDGERSYNC_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "LEDGERSYNC_STORE_SQLITE_PATH")
	setStr(&cfg.Store.Postgres.DSN, "LEDGERSYNC_POSTGRES_DSN")
	setStr(&cfg.Store.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Store.Postgres.Host, "LEDGERSYNC_POSTGRES_HOST")
	setInt(&cfg.Store.Postgres.Port, "LEDGERSYNC_POSTGRES_PORT")
	setStr(&cfg.Store.Postgres.Database, "LEDGERSYNC_POSTGRES_DATABASE")
	setStr(&cfg.Store.Postgres.User, "LEDGERSYNC_POSTGRES_USER")
	setStr(&cfg.Store.Postgres.Password, "LEDGERSYNC_POSTGRES_PASSWORD")
	setStr(&cfg.Store.Postgres.SSLMode, "LEDGERSYNC_POSTGRES_SSL_MODE")
	setInt(&cfg.Store.Postgres.PoolMaxConns, "LEDGERSYNC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Store.Postgres.PoolMinConns, "LEDGERSYNC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Store.Postgres.RunMigrations, "LEDGERSYNC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LEDGERSYNC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LEDGERSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEDGERSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEDGERSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEDGERSYNC_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "LEDGERSYNC_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LEDGERSYNC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LEDGERSYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEDGERSYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEDGERSYNC_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "LEDGERSYNC_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "LEDGERSYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEDGERSYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "LEDGERSYNC_S3_FORCE_PATH_STYLE")

	// ── ClickHouse ──
	setBool(&cfg.ClickHouse.Enabled, "LEDGERSYNC_CLICKHOUSE_ENABLED")
	setStr(&cfg.ClickHouse.DSN, "LEDGERSYNC_CLICKHOUSE_DSN")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "LEDGERSYNC_RECONCILE_INTERVAL")
	setInt(&cfg.Reconcile.Concurrency, "LEDGERSYNC_RECONCILE_CONCURRENCY")
	setDuration(&cfg.Reconcile.FillTimeout, "LEDGERSYNC_RECONCILE_FILL_TIMEOUT")
	setInt(&cfg.Reconcile.OrderRateLimit, "LEDGERSYNC_RECONCILE_ORDER_RATE_LIMIT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEDGERSYNC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEDGERSYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGERSYNC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEDGERSYNC_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEDGERSYNC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEDGERSYNC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEDGERSYNC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEDGERSYNC_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEDGERSYNC_MODE")
	setStr(&cfg.LogLevel, "LEDGERSYNC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
