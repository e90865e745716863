package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/loopvault/internal/blob/s3"
	"github.com/alanyoungcy/loopvault/internal/bridge"
	"github.com/alanyoungcy/loopvault/internal/cache/memory"
	"github.com/alanyoungcy/loopvault/internal/cache/redis"
	"github.com/alanyoungcy/loopvault/internal/config"
	"github.com/alanyoungcy/loopvault/internal/crypto"
	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/notify"
	"github.com/alanyoungcy/loopvault/internal/server/handler"
	memstore "github.com/alanyoungcy/loopvault/internal/store/memory"
	"github.com/alanyoungcy/loopvault/internal/store/postgres"
	"github.com/alanyoungcy/loopvault/internal/store/sqlite"
	"github.com/alanyoungcy/loopvault/internal/venue/evm"
	"github.com/alanyoungcy/loopvault/internal/venue/sim"
)

// Dependencies bundles every domain-level dependency that the run modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores (origin side only)
	PositionStore domain.PositionStore
	StepStore     domain.StepStore
	AuditStore    domain.AuditStore

	// Bus and caches
	SignalBus       domain.SignalBus
	LockManager     domain.LockManager
	RateLimiter     domain.RateLimiter
	ProjectionCache domain.ProjectionCache
	Checkpoint      bridge.Checkpoint

	// Venue (origin side only)
	Venue  domain.LendingVenue
	Router domain.SwapRouter

	// Chain is the origin chain RPC client. Nil when no RPC URL is set.
	Chain *ethclient.Client

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Checks are reported by GET /api/health.
	Checks map[string]handler.Check
}

// storageBackend resolves the store backend for the mode. Simulate runs
// self-contained.
func storageBackend(cfg *config.Config) string {
	if cfg.Mode == config.ModeSimulate {
		return "memory"
	}
	return cfg.Storage.Backend
}

func busBackend(cfg *config.Config) string {
	if cfg.Mode == config.ModeSimulate {
		return "memory"
	}
	return cfg.Bus.Backend
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
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Stores ---
	if cfg.RunsOrigin() {
		switch storageBackend(cfg) {
		case "postgres":
			pgClient, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Supabase.DSN,
				Host:     cfg.Supabase.Host,
				Port:     cfg.Supabase.Port,
				Database: cfg.Supabase.Database,
				User:     cfg.Supabase.User,
				Password: cfg.Supabase.Password,
				SSLMode:  cfg.Supabase.SSLMode,
				MaxConns: cfg.Supabase.PoolMaxConns,
				MinConns: cfg.Supabase.PoolMinConns,
			})
			if err != nil {
				return fail("postgres", err)
			}
			closers = append(closers, pgClient.Close)

			if cfg.Supabase.RunMigrations {
				applied, err := pgClient.Migrate(ctx)
				if err != nil {
					return fail("postgres migrations", err)
				}
				if len(applied) > 0 {
					logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
				}
			}

			pool := pgClient.Pool()
			deps.PositionStore = postgres.NewPositionStore(pool)
			deps.StepStore = postgres.NewStepStore(pool)
			deps.AuditStore = postgres.NewAuditStore(pool)
			deps.Checks["postgres"] = pgClient.Ping

		case "sqlite":
			db, err := sqlite.Open(ctx, cfg.SQLite.Path)
			if err != nil {
				return fail("sqlite", err)
			}
			closers = append(closers, func() { _ = db.Close() })

			deps.PositionStore = sqlite.NewPositionStore(db)
			deps.StepStore = sqlite.NewStepStore(db)
			deps.AuditStore = sqlite.NewAuditStore(db)
			deps.Checks["sqlite"] = db.PingContext

		default:
			deps.PositionStore = memstore.NewPositionStore()
			deps.StepStore = memstore.NewStepStore()
			deps.AuditStore = memstore.NewAuditStore()
		}
	}

	// --- Bus, locks and caches ---
	if busBackend(cfg) == "redis" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Bus.StreamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.ProjectionCache = redis.NewProjectionCache(redisClient)
		deps.Checkpoint = redis.NewCheckpoint(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.SignalBus = memory.NewSignalBus()
		deps.LockManager = memory.NewLockManager()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.ProjectionCache = memory.NewProjectionCache()
		deps.Checkpoint = memory.NewCheckpoint()
	}

	// --- Origin chain RPC ---
	if cfg.Mode != config.ModeSimulate && cfg.Origin.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Origin.RPCURL)
		if err != nil {
			return fail("origin rpc", err)
		}
		closers = append(closers, client.Close)
		deps.Chain = client
		deps.Checks["origin_rpc"] = func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		}
	}

	// --- Venue ---
	if cfg.RunsOrigin() {
		if cfg.NeedsSigner() {
			if deps.Chain == nil {
				return fail("venue", errors.New("evm venue needs origin.rpc_url"))
			}
			venue, router, err := wireEVM(ctx, cfg, deps.Chain, logger)
			if err != nil {
				return fail("venue", err)
			}
			deps.Venue, deps.Router = venue, router
		} else {
			deps.Venue = sim.NewVenue(cfg.Venue.SimLiquidationThresholdBps)
			deps.Router = sim.NewRouter(cfg.Venue.SimSwapFeeBps)
		}
	}

	// --- S3 blob storage ---
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
			return fail("s3", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client, 0)
		deps.BlobReader = s3blob.NewReader(s3Client)
		// The archiver reads history, so it only exists where the stores do.
		if deps.StepStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.StepStore, deps.AuditStore)
		}
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
			"",
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireEVM loads the operator key and binds the venue and router to the
// configured contracts.
func wireEVM(ctx context.Context, cfg *config.Config, client *ethclient.Client, logger *slog.Logger) (*evm.Venue, *evm.Router, error) {
	key, err := loadOperatorKey(cfg)
	if err != nil {
		return nil, nil, err
	}
	signer, err := crypto.NewSigner(key, cfg.Origin.ChainID)
	if err != nil {
		return nil, nil, err
	}

	tx := evm.NewTransactor(client, signer, evm.TransactorConfig{
		GasLimit: cfg.Venue.GasLimit,
		Timeout:  cfg.Venue.TxTimeout.Duration,
	}, logger)

	venue, err := evm.NewVenue(ctx, tx, evm.Config{
		Pool:             common.HexToAddress(cfg.Venue.Pool),
		Oracle:           common.HexToAddress(cfg.Venue.Oracle),
		CollateralAsset:  common.HexToAddress(cfg.Venue.CollateralAsset),
		CollateralAToken: common.HexToAddress(cfg.Venue.CollateralAToken),
		DebtAsset:        common.HexToAddress(cfg.Venue.DebtAsset),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	router := evm.NewRouter(tx, venue, evm.RouterConfig{
		SwapRouter: common.HexToAddress(cfg.Venue.SwapRouter),
		Quoter:     common.HexToAddress(cfg.Venue.Quoter),
		FeeTier:    cfg.Venue.FeeTier,
	})

	logger.InfoContext(ctx, "evm venue ready",
		slog.String("operator", signer.Address().Hex()),
		slog.Int64("chain_id", cfg.Origin.ChainID),
		slog.String("pool", cfg.Venue.Pool),
	)
	return venue, router, nil
}

func loadOperatorKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	return crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
}
