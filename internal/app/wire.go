package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quantfield/signalledger/internal/blob/s3"
	"github.com/quantfield/signalledger/internal/cache/redis"
	"github.com/quantfield/signalledger/internal/config"
	"github.com/quantfield/signalledger/internal/crypto"
	"github.com/quantfield/signalledger/internal/domain"
	"github.com/quantfield/signalledger/internal/notify"
	"github.com/quantfield/signalledger/internal/snapshot"
	"github.com/quantfield/signalledger/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	RegistryStore     domain.RegistryStore
	PoolStore         domain.PoolStore
	ContributionStore domain.ContributionStore
	ArchiveStore      domain.ArchiveStore
	PredictionStore   domain.PredictionStore
	CustodyStore      *postgres.CustodyStore

	// Redis-backed infrastructure
	RegistryCache domain.RegistryCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage (snapshot modes only)
	BlobWriter snapshot.BlobWriter

	// Operator identity, nil when no key is configured.
	Operator *crypto.Identity

	Clock    domain.Clock
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that upload snapshots to object storage.
func needsS3(cfg *config.Config) bool {
	switch cfg.Mode {
	case "snapshot":
		return true
	case "full":
		return cfg.Snapshot.Enabled
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Clock: domain.SystemClock{}}

	// --- PostgreSQL ---
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

	pool := pgClient.Pool()
	deps.RegistryStore = postgres.NewRegistryStore(pool)
	deps.PoolStore = postgres.NewPoolStore(pool)
	deps.ContributionStore = postgres.NewContributionStore(pool)
	deps.ArchiveStore = postgres.NewArchiveStore(pool)
	deps.PredictionStore = postgres.NewPredictionStore(pool)
	deps.CustodyStore = postgres.NewCustodyStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RegistryCache = redis.NewRegistryCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage ---
	if needsS3(cfg) {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Operator identity ---
	if cfg.Operator.PrivateKey != "" || cfg.Operator.EncryptedKeyPath != "" {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Operator.PrivateKey,
			EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
			KeyPassword:      cfg.Operator.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}
		identity, err := crypto.NewIdentity(keyHex)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: operator identity: %w", err)
		}
		deps.Operator = identity
		logger.Info("operator identity loaded",
			slog.String("address", identity.Address().Hex()),
		)
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
