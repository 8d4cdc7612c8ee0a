package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/exitbot/internal/blob/s3"
	"github.com/alanyoungcy/exitbot/internal/cache/redis"
	"github.com/alanyoungcy/exitbot/internal/config"
	"github.com/alanyoungcy/exitbot/internal/crypto"
	"github.com/alanyoungcy/exitbot/internal/domain"
	"github.com/alanyoungcy/exitbot/internal/notify"
	"github.com/alanyoungcy/exitbot/internal/oracle"
	"github.com/alanyoungcy/exitbot/internal/platform/exchange"
	"github.com/alanyoungcy/exitbot/internal/platform/pricefeed"
	"github.com/alanyoungcy/exitbot/internal/server/handler"
	"github.com/alanyoungcy/exitbot/internal/store/file"
	"github.com/alanyoungcy/exitbot/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the run modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
// Caches, the bus, the lock manager and the blob writer are nil when their
// backend is disabled.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	ExitLog       domain.ExitLog

	// Caches
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	LockManager domain.LockManager

	// Prices
	Sources []oracle.Source
	Stream  *pricefeed.BinanceStream
	Sink    oracle.PriceSink

	// Order execution
	Orders domain.OrderExecutor

	// Blob storage
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks probe each external backend for the health endpoint.
	HealthChecks map[string]handler.HealthCheck
}

// needsPostgres returns true when either store backend is PostgreSQL.
func needsPostgres(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Store.Backend, "postgres") ||
		strings.EqualFold(cfg.Store.AuditBackend, "postgres")
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

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

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL (only when a store backend needs it) ---
	var pgClient *postgres.Client
	if needsPostgres(cfg) {
		var err error
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
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
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Position store and audit log ---
	if strings.EqualFold(cfg.Store.Backend, "postgres") {
		deps.PositionStore = postgres.NewPositionStore(pgClient.Pool())
	} else {
		store, err := file.NewPositionStore(cfg.Store.DataDir)
		if err != nil {
			return fail(fmt.Errorf("wire: position store: %w", err))
		}
		deps.PositionStore = store
	}
	if strings.EqualFold(cfg.Store.AuditBackend, "postgres") {
		deps.ExitLog = postgres.NewExitStore(pgClient.Pool())
	} else {
		audit, err := file.NewCSVAuditLog(cfg.Store.AuditCSVPath)
		if err != nil {
			return fail(fmt.Errorf("wire: audit log: %w", err))
		}
		deps.ExitLog = audit
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		priceCache := redis.NewPriceCache(redisClient)
		deps.PriceCache = priceCache
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping

		// An instance that reads shared prices must not write its own
		// aggregates back into the same keys.
		if cfg.Sources.Redis {
			deps.Sources = append(deps.Sources, redis.NewPriceSource(priceCache, cfg.Redis.PriceMaxAge.Duration))
		} else {
			deps.Sink = priceCache
		}
	} else if cfg.Sources.Redis {
		return fail(errors.New("wire: sources.redis_shared requires redis.enabled"))
	}

	// --- Exchange ---
	var auth *crypto.HMACAuth
	if strings.EqualFold(cfg.Mode, "live") {
		creds, err := crypto.LoadCredentials(crypto.CredentialSource{
			Key:        cfg.Exchange.APIKey,
			Secret:     cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.Passphrase,
			Path:       cfg.Exchange.SecretFile,
			Password:   cfg.Exchange.SecretPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: exchange credentials: %w", err))
		}
		auth = creds
	}
	exClient := exchange.NewClient(exchange.Options{
		BaseURL:   cfg.Exchange.BaseURL,
		Quote:     cfg.Exchange.QuoteCurrency,
		Simulated: cfg.Exchange.Simulated,
		Timeout:   cfg.Exchange.Timeout.Duration,
	}, auth, logger)
	if auth != nil {
		deps.Orders = exClient
	} else {
		deps.Orders = exchange.NewPaperClient(cfg.Paper.SlippagePct, cfg.Paper.FeeRate, logger)
	}

	// --- Price sources ---
	quote := cfg.Exchange.QuoteCurrency
	src := cfg.Sources
	if src.Binance.Enabled {
		deps.Sources = append(deps.Sources, pricefeed.NewBinanceSource(src.Binance.BaseURL, quote, src.Binance.Symbols))
	}
	if src.Coinbase.Enabled {
		deps.Sources = append(deps.Sources, pricefeed.NewCoinbaseSource(src.Coinbase.BaseURL, src.Coinbase.Symbols))
	}
	if src.DexScreener.Enabled {
		deps.Sources = append(deps.Sources, pricefeed.NewDexScreenerSource(src.DexScreener.BaseURL, src.DexScreener.Symbols))
	}
	if src.BinanceWS.Enabled {
		deps.Stream = pricefeed.NewBinanceStream(src.BinanceWS.URL, quote, src.BinanceWS.Symbols, src.BinanceWS.MaxAge.Duration, logger)
		deps.Sources = append(deps.Sources, deps.Stream)
	}
	if src.Exchange {
		deps.Sources = append(deps.Sources, exchange.NewTickerSource(exClient))
	}
	if len(deps.Sources) == 0 {
		return fail(errors.New("wire: no price source enabled"))
	}

	// --- S3 blob storage (only when archiving) ---
	if cfg.Archive.Enabled {
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
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
