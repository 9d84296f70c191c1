package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/arxpredict/internal/blob/s3"
	"github.com/alanyoungcy/arxpredict/internal/cache/redis"
	"github.com/alanyoungcy/arxpredict/internal/config"
	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/metrics"
	"github.com/alanyoungcy/arxpredict/internal/notify"
	"github.com/alanyoungcy/arxpredict/internal/server/handler"
	"github.com/alanyoungcy/arxpredict/internal/service"
	"github.com/alanyoungcy/arxpredict/internal/store/memory"
	"github.com/alanyoungcy/arxpredict/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Ledger; nil in cluster mode.
	Ledger  domain.Ledger
	Archive domain.EventArchive

	// Redis
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	ReplayGuard domain.ReplayGuard
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; set in archive mode only.
	BlobWriter  domain.BlobWriter
	BlobChecker domain.BlobChecker

	Notifier *notify.Notifier
	// Relay fans committed events out to the bus, cache and notifier.
	Relay   *service.EventRelay
	Metrics *metrics.Metrics

	// Checks reports the reachability of each backing store.
	Checks map[string]handler.Check
}

// needsLedger returns true for modes that read or write market state.
func needsLedger(mode string) bool {
	return mode != "cluster"
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	return mode == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Ledger ---
	if needsLedger(mode) {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "memory":
			l := memory.New()
			deps.Ledger = l
			deps.Archive = l
		default:
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

			l := postgres.NewLedger(pgClient.Pool())
			deps.Ledger = l
			deps.Archive = l
			deps.Checks["postgres"] = pgClient.Pool().Ping
		}
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Namespace:  cfg.Redis.Namespace,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.ReplayGuard = redis.NewReplayGuard(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 blob storage ---
	if needsS3(mode) {
		bucket, err := s3blob.Open(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = bucket
		deps.BlobChecker = bucket
		deps.Checks["s3"] = bucket.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	var notifier service.EventNotifier
	if deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	deps.Relay = service.NewEventRelay(deps.SignalBus, deps.MarketCache, notifier, logger)

	return deps, cleanup, nil
}
