package config

import (
	"fmt"

	"github.com/alanyoungcy/ledgersync/internal/crypto"
)

// secretFields lists every field that may hold a credential.
func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"ledger.api_token":           &cfg.Ledger.APIToken,
		"ledger.hmac_secret":         &cfg.Ledger.HMACSecret,
		"broker.api_token":           &cfg.Broker.APIToken,
		"broker.hmac_secret":         &cfg.Broker.HMACSecret,
		"store.postgres.dsn":         &cfg.Store.Postgres.DSN,
		"store.postgres.password":    &cfg.Store.Postgres.Password,
		"redis.password":             &cfg.Redis.Password,
		"s3.access_key":              &cfg.S3.AccessKey,
		"s3.secret_key":              &cfg.S3.SecretKey,
		"clickhouse.dsn":             &cfg.ClickHouse.DSN,
		"server.api_key":             &cfg.Server.APIKey,
		"notify.telegram_token":      &cfg.Notify.TelegramToken,
		"notify.discord_webhook_url": &cfg.Notify.DiscordWebhookURL,
	}
}

// decryptSecrets replaces every "enc:" value with its plaintext.
func decryptSecrets(cfg *Config, password string) error {
	for name, field := range secretFields(cfg) {
		if !crypto.IsEncrypted(*field) {
			continue
		}
		if password == "" {
			return fmt.Errorf("%s is encrypted but %s is not set", name, MasterPasswordEnv)
		}
		plain, err := crypto.DecryptSecret(*field, password)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, field := range secretFields(&out) {
		redact(field)
	}

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
