package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_Validate(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.SheetID = "sheet-1"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Ledger.Driver = "excel"
	cfg.Store.Driver = "mongo"
	cfg.Reconcile.Concurrency = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `ledger: unknown driver "excel"`)
	assert.Contains(t, msg, `store: unknown driver "mongo"`)
	assert.Contains(t, msg, "reconcile: concurrency must be >= 1")
}

func TestValidate_PostgresLedgerNeedsPostgresStore(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.Driver = "postgres"
	cfg.Store.Driver = "sqlite"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires store.driver = postgres")
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mode = "once"

[ledger]
driver = "memory"

[broker]
driver = "paper"

[store]
driver = "sqlite"

[reconcile]
interval = "90s"
`)
	t.Setenv("LEDGERSYNC_LOG_LEVEL", "debug")
	t.Setenv("LEDGERSYNC_RECONCILE_CONCURRENCY", "7")
	t.Setenv("LEDGERSYNC_SERVER_CORS_ORIGINS", "http://a, http://b")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "once", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Equal(t, "paper", cfg.Broker.Driver)
	assert.Equal(t, 90*time.Second, cfg.Reconcile.Interval.Duration)
	assert.Equal(t, 7, cfg.Reconcile.Concurrency)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.CORSOrigins)
	// untouched defaults survive the merge
	assert.Equal(t, 30*time.Second, cfg.Reconcile.FillTimeout.Duration)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_DecryptsSecrets(t *testing.T) {
	enc, err := crypto.EncryptSecret("tok-123", "pw")
	require.NoError(t, err)

	path := writeConfig(t, "[broker]\napi_token = \""+enc+"\"\n")

	t.Setenv(MasterPasswordEnv, "")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.api_token")

	t.Setenv(MasterPasswordEnv, "pw")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Broker.APIToken)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.APIToken = "secret"
	cfg.Store.Postgres.Password = "pg"
	cfg.Notify.DiscordWebhookURL = ""

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Broker.APIToken)
	assert.Equal(t, "***", out.Store.Postgres.Password)
	assert.Empty(t, out.Notify.DiscordWebhookURL)
	assert.Equal(t, "secret", cfg.Broker.APIToken)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *cfg)
}
