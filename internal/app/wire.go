package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/blob/s3"
	rediscache "github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/cache/redis"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/config"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/crypto"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/notify"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/platform/solana"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/platform/trader"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/server/handler"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/service"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/store/postgres"
)

// metricsNamespace prefixes every exported collector.
const metricsNamespace = "swapbot"

// Dependencies bundles every concrete dependency the application modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Redis
	Redis       *rediscache.Client
	State       *rediscache.StateStore
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Optional persistence; nil when disabled.
	Journal domain.JournalStore
	Archive *s3blob.Archive

	// Chain side
	Chain      domain.ChainClient
	Dispatcher domain.TradeDispatcher
	Prices     *service.PriceService

	// Observability
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Notifier *notify.Notifier

	// Checks reported by GET /api/health.
	Checks map[string]handler.Check
}

// needsChain reports whether a mode reads signatures or balances.
func needsChain(mode string) bool {
	switch mode {
	case "trade", "monitor", "reconcile":
		return true
	default:
		return false
	}
}

// Wire constructs every dependency from cfg and returns them together with a
// cleanup function that releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(metricsNamespace, deps.Registry)

	// --- Redis ---
	redisClient, err := rediscache.New(ctx, rediscache.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.State = rediscache.NewStateStore(redisClient, cfg.Redis.ProcessedTTL.Duration)
	deps.PriceCache = rediscache.NewPriceCache(redisClient)
	deps.SignalBus = rediscache.NewSignalBus(redisClient)
	deps.RateLimiter = rediscache.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
	deps.Checks["redis"] = redisClient.Ping
	deps.Prices = service.NewPriceService(deps.PriceCache, deps.SignalBus, cfg.Trading.MaxPriceAge.Duration, logger)

	// --- PostgreSQL journal (optional) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Journal = postgres.NewJournalStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archive = s3blob.NewArchive(s3blob.NewStore(s3Client), deps.Journal, cfg.Snapshot.S3Prefix)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Chain client and dispatcher ---
	if strings.EqualFold(cfg.Trader.Kind, "paper") {
		dispatcher, chain := trader.NewPaper(deps.Prices.LastKnownPrice, logger)
		deps.Dispatcher = dispatcher
		deps.Chain = chain
		logger.Warn("wire: paper trading enabled, no transactions will be sent")
	} else {
		secret, err := cfg.TraderSecret()
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		var auth *crypto.HMACAuth
		if secret != "" {
			auth = &crypto.HMACAuth{Key: cfg.Trader.APIKey, Secret: secret}
		}
		deps.Dispatcher = trader.NewHTTPDispatcher(trader.HTTPConfig{
			BaseURL:     cfg.Trader.BaseURL,
			SlippageBps: cfg.Trader.SlippageBps,
			PriorityFee: cfg.Trader.PriorityFee,
			Timeout:     cfg.Trader.Timeout.Duration,
		}, auth, logger)

		if needsChain(mode) {
			var limiter domain.RateLimiter
			if cfg.RPC.RateLimit > 0 {
				limiter = rediscache.NewRateLimiter(redisClient, cfg.RPC.RateLimit, time.Second)
			}
			rpcClient, err := solana.New(ctx, solana.ClientConfig{
				URL:         cfg.RPC.URL,
				APIKey:      cfg.RPC.APIKey,
				Commitment:  cfg.RPC.Commitment,
				Timeout:     cfg.RPC.Timeout.Duration,
				MaxRetries:  uint64(max(cfg.RPC.MaxRetries, 0)),
				BaseBackoff: cfg.RPC.BaseBackoff.Duration,
				MaxBackoff:  cfg.RPC.MaxBackoff.Duration,
			}, limiter, logger)
			if err != nil {
				return fail(fmt.Errorf("wire: rpc: %w", err))
			}
			closers = append(closers, rpcClient.Close)
			deps.Chain = rpcClient
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, ""))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QuietPeriod.Duration, logger)

	return deps, cleanup, nil
}
