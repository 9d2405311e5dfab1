package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	s3blob "github.com/alanyoungcy/marginbot/internal/blob/s3"
	"github.com/alanyoungcy/marginbot/internal/cache/redis"
	"github.com/alanyoungcy/marginbot/internal/config"
	"github.com/alanyoungcy/marginbot/internal/crypto"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/metrics"
	"github.com/alanyoungcy/marginbot/internal/notify"
	"github.com/alanyoungcy/marginbot/internal/platform/amm"
	"github.com/alanyoungcy/marginbot/internal/platform/lending"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/store/memory"
	"github.com/alanyoungcy/marginbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Orders       domain.OrderStore
	ClosedOrders s3blob.ClosedOrderSource
	Balances     domain.BalanceStore
	Profits      domain.ProfitStore
	Pairs        domain.PairStore
	Prices       domain.PriceStore
	Markets      domain.MarketDataStore
	Checkpoints  domain.CheckpointStore
	Settlement   domain.SettlementStore
	Audit        domain.AuditStore

	// Caches; nil without redis
	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Bus     domain.SignalBus

	// External venues
	AMM     *amm.Client
	Lending *lending.Client

	// Archive; nil without s3
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Health   map[string]handler.Checker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: make(map[string]handler.Checker)}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	// --- State: PostgreSQL, or an in-process store ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		orders := postgres.NewOrderStore(pool)
		deps.Orders = orders
		deps.ClosedOrders = orders
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.Profits = postgres.NewProfitStore(pool)
		deps.Pairs = postgres.NewPairStore(pool)
		deps.Prices = memory.New() // oracle prices are not persisted; redis shares them across processes
		deps.Markets = postgres.NewMarketDataStore(pool)
		deps.Checkpoints = postgres.NewCheckpointStore(pool)
		deps.Settlement = postgres.NewSettlementStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pool.Ping
	} else {
		logger.WarnContext(ctx, "postgres disabled; engine state is kept in memory and lost on restart")
		mem := memory.New()
		deps.Orders = mem
		deps.ClosedOrders = mem
		deps.Balances = mem
		deps.Profits = mem
		deps.Pairs = mem
		deps.Prices = mem
		deps.Markets = mem
		deps.Checkpoints = mem
		deps.Settlement = mem
		deps.Audit = mem
	}

	// --- Redis: shared prices, market cache, locks, limiter, event bus ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Prices = redis.NewPriceCache(redisClient)
		deps.Markets = redis.NewMarketDataCache(redisClient, deps.Markets, cfg.Redis.MarketCacheTTL.Duration, logger)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient, cfg.AMM.RequestsPerSecond, time.Second)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen, logger)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- External venues ---
	ammClient, err := newAMMClient(cfg, deps.Limiter, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: amm: %w", err)
	}
	deps.AMM = ammClient

	lendingOpts := []lending.Option{
		lending.WithHTTPClient(&http.Client{Timeout: cfg.Lending.HTTPTimeout.Duration}),
	}
	if cfg.Lending.APIKey != "" {
		lendingOpts = append(lendingOpts, lending.WithHMAC(&crypto.HMACAuth{
			Key:    cfg.Lending.APIKey,
			Secret: cfg.Lending.APISecret,
		}))
	}
	if deps.Limiter != nil {
		lendingOpts = append(lendingOpts, lending.WithRateLimiter(deps.Limiter))
	}
	deps.Lending = lending.New(cfg.Lending.BaseURL, lendingOpts...)

	// --- S3 cold archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.ClosedOrders,
			deps.Audit,
			deps.Metrics,
			cfg.S3.PartSize,
			logger,
		)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIBase,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}

// newAMMClient builds the AMM client, signing requests with the engine
// account key when one is configured.
func newAMMClient(cfg *config.Config, limiter domain.RateLimiter, logger *slog.Logger) (*amm.Client, error) {
	opts := []amm.Option{
		amm.WithHTTPClient(&http.Client{Timeout: cfg.AMM.HTTPTimeout.Duration}),
	}
	if limiter != nil {
		opts = append(opts, amm.WithRateLimiter(limiter))
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey: cfg.Account.PrivateKey,
		KeyFile:       cfg.Account.EncryptedKeyPath,
		KeyPassword:   cfg.Account.KeyPassword,
	})
	switch {
	case errors.Is(err, crypto.ErrNoKey):
		logger.Warn("no account key configured; AMM requests are unsigned")
	case err != nil:
		return nil, err
	default:
		signer, err := crypto.NewSigner(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, amm.WithSigner(signer))
		logger.Info("AMM requests signed", slog.String("address", signer.Address().Hex()))
	}
	return amm.New(cfg.AMM.BaseURL, cfg.AMM.Account, opts...), nil
}
