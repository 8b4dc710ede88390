// Package config defines the swap bot configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SWAPBOT_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	RPC       RPCConfig       `toml:"rpc"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Trading   TradingConfig   `toml:"trading"`
	Confirm   ConfirmConfig   `toml:"confirm"`
	Gate      GateConfig      `toml:"gate"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Signals   SignalsConfig   `toml:"signals"`
	Trader    TraderConfig    `toml:"trader"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig names the wallet whose token balances back the positions.
// Signing keys never enter this process.
type WalletConfig struct {
	Address string `toml:"address"`
}

// RPCConfig holds the chain JSON-RPC endpoint.
type RPCConfig struct {
	URL         string   `toml:"url"`
	APIKey      string   `toml:"api_key"`
	Commitment  string   `toml:"commitment"`
	Timeout     duration `toml:"timeout"`
	MaxRetries  int      `toml:"max_retries"`
	BaseBackoff duration `toml:"base_backoff"`
	MaxBackoff  duration `toml:"max_backoff"`
	// RateLimit is the shared per-second call budget across every process
	// using the same Redis. Zero disables limiting.
	RateLimit int `toml:"rate_limit"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	ProcessedTTL duration `toml:"processed_ttl"`
}

// PostgresConfig holds the trade journal database. The journal is optional.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters used for snapshot
// and journal archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds the buy size and the exit policy applied to every new
// position.
type TradingConfig struct {
	BuyAmountSOL     float64  `toml:"buy_amount_sol"`
	MaxOpenPositions int      `toml:"max_open_positions"`
	StopLossPct      float64  `toml:"stop_loss_pct"`
	TakeProfitPct    float64  `toml:"take_profit_pct"`
	MoonbagPct       float64  `toml:"moonbag_pct"`
	MaxHold          duration `toml:"max_hold"`
	EmergencyStopPct float64  `toml:"emergency_stop_pct"`
	HardStopPct      float64  `toml:"hard_stop_pct"`
	MaxPriceAge      duration `toml:"max_price_age"`
	MonitorInterval  duration `toml:"monitor_interval"`
	MonitorWorkers   int      `toml:"monitor_workers"`

	TSLEnabled       bool    `toml:"tsl_enabled"`
	TSLActivationPct float64 `toml:"tsl_activation_pct"`
	TSLTrailPct      float64 `toml:"tsl_trail_pct"`
	TSLSellPct       float64 `toml:"tsl_sell_pct"`
}

// ConfirmConfig tunes the confirmation pipeline.
type ConfirmConfig struct {
	QueueSize       int      `toml:"queue_size"`
	Workers         int      `toml:"workers"`
	SettleDelay     duration `toml:"settle_delay"`
	PollInterval    duration `toml:"poll_interval"`
	MaxWait         duration `toml:"max_wait"`
	CallbackTimeout duration `toml:"callback_timeout"`
}

// GateConfig tunes the dedup and exclusion gate.
type GateConfig struct {
	LockTTL        duration `toml:"lock_ttl"`
	LockFailPolicy string   `toml:"lock_fail_policy"`
	DedupTTL       duration `toml:"dedup_ttl"`
	Workers        int      `toml:"workers"`
	// PendingBuyTTL is how long a buy whose confirmation timed out keeps its
	// instrument blocked while reconciliation looks for the balance.
	PendingBuyTTL duration `toml:"pending_buy_ttl"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	Enabled            bool     `toml:"enabled"`
	Interval           duration `toml:"interval"`
	GracePeriod        duration `toml:"grace_period"`
	QuantityTolerance  float64  `toml:"quantity_tolerance"`
	PendingSellTimeout duration `toml:"pending_sell_timeout"`
	EmptySnapshots     int      `toml:"empty_snapshots"`
}

// SnapshotConfig controls the state export.
type SnapshotConfig struct {
	File          string   `toml:"file"`
	Interval      duration `toml:"interval"`
	S3Prefix      string   `toml:"s3_prefix"`
	RetentionDays int      `toml:"retention_days"`
}

// SignalsConfig selects the signal sources.
type SignalsConfig struct {
	QueueSize   int      `toml:"queue_size"`
	MaxAge      duration `toml:"max_age"`
	WSURL       string   `toml:"ws_url"`
	WSSubscribe string   `toml:"ws_subscribe"`
	WSAPIKey    string   `toml:"ws_api_key"`
	NATSURL     string   `toml:"nats_url"`
	NATSSubject string   `toml:"nats_subject"`
	NATSQueue   string   `toml:"nats_queue"`
	BusChannel  string   `toml:"bus_channel"`
	// WebhookSecret enables HMAC verification on POST /api/signals.
	WebhookSecret string   `toml:"webhook_secret"`
	WebhookSkew   duration `toml:"webhook_skew"`
}

// TraderConfig selects the trade dispatcher. Kind "paper" trades against an
// in-memory book; "http" calls the signing sidecar.
type TraderConfig struct {
	Kind        string   `toml:"kind"`
	BaseURL     string   `toml:"base_url"`
	Timeout     duration `toml:"timeout"`
	SlippageBps int      `toml:"slippage_bps"`
	PriorityFee float64  `toml:"priority_fee"`
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	// APISecretPath and APISecretPassword load the secret from a file
	// written by `swapbot -encrypt-secret`.
	APISecretPath     string `toml:"api_secret_path"`
	APISecretPassword string `toml:"api_secret_password"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QuietPeriod       duration `toml:"quiet_period"`
}

// LogConfig enables a rotating log file in addition to stdout.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// duration wraps time.Duration so TOML strings like "15s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		RPC: RPCConfig{
			URL:         "https://api.mainnet-beta.solana.com",
			Commitment:  "confirmed",
			Timeout:     duration{10 * time.Second},
			MaxRetries:  4,
			BaseBackoff: duration{200 * time.Millisecond},
			MaxBackoff:  duration{5 * time.Second},
			RateLimit:   20,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "swapbot:",
			ProcessedTTL: duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "swapbot",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Trading: TradingConfig{
			BuyAmountSOL:     0.05,
			StopLossPct:      0.20,
			TakeProfitPct:    1.00,
			MoonbagPct:       0.20,
			EmergencyStopPct: 0.50,
			HardStopPct:      0.35,
			MaxPriceAge:      duration{15 * time.Second},
			MonitorInterval:  duration{time.Second},
			MonitorWorkers:   8,
			TSLEnabled:       true,
			TSLActivationPct: 0.30,
			TSLTrailPct:      0.15,
			TSLSellPct:       1.0,
		},
		Confirm: ConfirmConfig{
			QueueSize:       256,
			Workers:         16,
			SettleDelay:     duration{2 * time.Second},
			PollInterval:    duration{time.Second},
			MaxWait:         duration{15 * time.Second},
			CallbackTimeout: duration{10 * time.Second},
		},
		Gate: GateConfig{
			LockTTL:        duration{30 * time.Second},
			LockFailPolicy: "open",
			DedupTTL:       duration{2 * time.Minute},
			Workers:        4,
			PendingBuyTTL:  duration{10 * time.Minute},
		},
		Reconcile: ReconcileConfig{
			Enabled:            true,
			Interval:           duration{time.Minute},
			GracePeriod:        duration{90 * time.Second},
			QuantityTolerance:  0.01,
			PendingSellTimeout: duration{2 * time.Minute},
			EmptySnapshots:     2,
		},
		Snapshot: SnapshotConfig{
			File:          "data/positions.json",
			Interval:      duration{5 * time.Minute},
			S3Prefix:      "swapbot",
			RetentionDays: 14,
		},
		Signals: SignalsConfig{
			QueueSize:   256,
			MaxAge:      duration{30 * time.Second},
			NATSSubject: "swapbot.signals",
			BusChannel:  "signals",
			WebhookSkew: duration{time.Minute},
		},
		Trader: TraderConfig{
			Kind:        "paper",
			Timeout:     duration{15 * time.Second},
			SlippageBps: 1500,
		},
		Server: ServerConfig{
			Enabled:    true,
			Addr:       ":8080",
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:      []string{"buy_confirmed", "position_closed", "phantom_removed", "sell_failed"},
			QuietPeriod: duration{time.Minute},
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"monitor":   true,
	"reconcile": true,
	"export":    true,
	"import":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns one error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, reconcile, export, import)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	paper := strings.EqualFold(c.Trader.Kind, "paper")
	needsChain := (mode == "trade" || mode == "monitor" || mode == "reconcile") && !paper
	if needsChain {
		if c.Wallet.Address == "" {
			errs = append(errs, "wallet: address is required for mode "+c.Mode)
		}
		if c.RPC.URL == "" {
			errs = append(errs, "rpc: url must not be empty")
		}
	}
	if c.RPC.Commitment != "confirmed" && c.RPC.Commitment != "finalized" {
		errs = append(errs, fmt.Sprintf("rpc: commitment must be confirmed or finalized, got %q", c.RPC.Commitment))
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	t := c.Trading
	if t.BuyAmountSOL <= 0 {
		errs = append(errs, "trading: buy_amount_sol must be > 0")
	}
	if t.StopLossPct < 0 || t.StopLossPct >= 1 {
		errs = append(errs, "trading: stop_loss_pct must be in [0, 1)")
	}
	if t.TakeProfitPct < 0 {
		errs = append(errs, "trading: take_profit_pct must be >= 0")
	}
	if t.MoonbagPct < 0 || t.MoonbagPct >= 1 {
		errs = append(errs, "trading: moonbag_pct must be in [0, 1)")
	}
	if t.TSLEnabled {
		if t.TSLTrailPct <= 0 || t.TSLTrailPct >= 1 {
			errs = append(errs, "trading: tsl_trail_pct must be in (0, 1)")
		}
		if t.TSLSellPct <= 0 || t.TSLSellPct > 1 {
			errs = append(errs, "trading: tsl_sell_pct must be in (0, 1]")
		}
	}
	if t.MaxPriceAge.Duration <= 0 {
		errs = append(errs, "trading: max_price_age must be > 0")
	}

	if c.Confirm.MaxWait.Duration <= c.Confirm.PollInterval.Duration {
		errs = append(errs, "confirm: max_wait must exceed poll_interval")
	}
	if p := strings.ToLower(c.Gate.LockFailPolicy); p != "open" && p != "closed" {
		errs = append(errs, fmt.Sprintf("gate: lock_fail_policy must be open or closed, got %q", c.Gate.LockFailPolicy))
	}
	if c.Gate.LockTTL.Duration <= 0 {
		errs = append(errs, "gate: lock_ttl must be > 0")
	}
	if c.Gate.PendingBuyTTL.Duration < c.Reconcile.Interval.Duration {
		errs = append(errs, "gate: pending_buy_ttl must be at least reconcile.interval")
	}
	if c.Reconcile.QuantityTolerance < 0 || c.Reconcile.QuantityTolerance >= 1 {
		errs = append(errs, "reconcile: quantity_tolerance must be in [0, 1)")
	}

	switch strings.ToLower(c.Trader.Kind) {
	case "paper":
	case "http":
		if c.Trader.BaseURL == "" {
			errs = append(errs, "trader: base_url is required for kind http")
		}
		if c.Trader.APISecretPath != "" && c.Trader.APISecretPassword == "" {
			errs = append(errs, "trader: api_secret_password is required when api_secret_path is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("trader: unknown kind %q (valid: paper, http)", c.Trader.Kind))
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty")
	}
	if (mode == "export" || mode == "import") && c.Snapshot.File == "" && !c.S3.Enabled {
		errs = append(errs, "snapshot: file or s3 must be configured for mode "+c.Mode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
