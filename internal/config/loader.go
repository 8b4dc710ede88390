package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment override.
const envPrefix = "SWAPBOT_"

// Load reads the TOML file at path over the built-in defaults, loads a .env
// file if present, and applies SWAPBOT_* environment overrides. An empty
// path skips the file. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose SWAPBOT_* variable is set. This
// lets operators inject secrets at deploy time without touching the file.
func applyEnvOverrides(cfg *Config) {
	// Wallet / RPC
	setStr(&cfg.Wallet.Address, "WALLET_ADDRESS")
	setStr(&cfg.RPC.URL, "RPC_URL")
	setStr(&cfg.RPC.APIKey, "RPC_API_KEY")
	setStr(&cfg.RPC.Commitment, "RPC_COMMITMENT")
	setInt(&cfg.RPC.RateLimit, "RPC_RATE_LIMIT")

	// Redis
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// Postgres
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")

	// S3
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// Trading
	setFloat64(&cfg.Trading.BuyAmountSOL, "TRADING_BUY_AMOUNT_SOL")
	setInt(&cfg.Trading.MaxOpenPositions, "TRADING_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Trading.StopLossPct, "TRADING_STOP_LOSS_PCT")
	setFloat64(&cfg.Trading.TakeProfitPct, "TRADING_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Trading.MoonbagPct, "TRADING_MOONBAG_PCT")
	setDuration(&cfg.Trading.MaxHold, "TRADING_MAX_HOLD")
	setBool(&cfg.Trading.TSLEnabled, "TRADING_TSL_ENABLED")

	// Gate / reconcile
	setStr(&cfg.Gate.LockFailPolicy, "GATE_LOCK_FAIL_POLICY")
	setDuration(&cfg.Gate.PendingBuyTTL, "GATE_PENDING_BUY_TTL")
	setBool(&cfg.Reconcile.Enabled, "RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "RECONCILE_INTERVAL")

	// Snapshot
	setStr(&cfg.Snapshot.File, "SNAPSHOT_FILE")
	setDuration(&cfg.Snapshot.Interval, "SNAPSHOT_INTERVAL")

	// Signals
	setStr(&cfg.Signals.WSURL, "SIGNALS_WS_URL")
	setStr(&cfg.Signals.WSAPIKey, "SIGNALS_WS_API_KEY")
	setStr(&cfg.Signals.NATSURL, "SIGNALS_NATS_URL")
	setStr(&cfg.Signals.NATSSubject, "SIGNALS_NATS_SUBJECT")
	setStr(&cfg.Signals.WebhookSecret, "SIGNALS_WEBHOOK_SECRET")

	// Trader
	setStr(&cfg.Trader.Kind, "TRADER_KIND")
	setStr(&cfg.Trader.BaseURL, "TRADER_BASE_URL")
	setStr(&cfg.Trader.APIKey, "TRADER_API_KEY")
	setStr(&cfg.Trader.APISecret, "TRADER_API_SECRET")
	setStr(&cfg.Trader.APISecretPath, "TRADER_API_SECRET_PATH")
	setStr(&cfg.Trader.APISecretPassword, "TRADER_API_SECRET_PASSWORD")

	// Server
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// Top-level
	setStr(&cfg.Log.File, "LOG_FILE")
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
