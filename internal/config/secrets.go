package config

import (
	"fmt"
	"slices"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/crypto"
)

// RedactedConfig returns a copy of cfg with secrets replaced by "***". Use
// it whenever the active configuration is logged or printed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.RPC.APIKey)
	out.RPC.URL = redactURLQuery(cfg.RPC.URL)
	redact(&out.Redis.Password)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Signals.WSAPIKey)
	redact(&out.Signals.WebhookSecret)
	redact(&out.Trader.APIKey)
	redact(&out.Trader.APISecret)
	redact(&out.Trader.APISecretPassword)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the copy.
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	return out
}

// TraderSecret resolves the sidecar HMAC secret from the plaintext setting or
// the encrypted file. An empty result means requests go unsigned.
func (c *Config) TraderSecret() (string, error) {
	if c.Trader.APISecret == "" && c.Trader.APISecretPath == "" {
		return "", nil
	}
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:           c.Trader.APISecret,
		EncryptedPath: c.Trader.APISecretPath,
		Password:      c.Trader.APISecretPassword,
	})
	if err != nil {
		return "", fmt.Errorf("config: trader secret: %w", err)
	}
	return secret, nil
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURLQuery masks a query string, where RPC providers put API keys.
func redactURLQuery(u string) string {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return u[:i+1] + redacted
		}
	}
	return u
}
