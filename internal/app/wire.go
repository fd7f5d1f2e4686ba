package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/abbaskiko/mcdkit/internal/bag"
	s3blob "github.com/abbaskiko/mcdkit/internal/blob/s3"
	"github.com/abbaskiko/mcdkit/internal/cache/redis"
	"github.com/abbaskiko/mcdkit/internal/cdp"
	"github.com/abbaskiko/mcdkit/internal/config"
	"github.com/abbaskiko/mcdkit/internal/crypto"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/ledger/eth"
	"github.com/abbaskiko/mcdkit/internal/notify"
	"github.com/abbaskiko/mcdkit/internal/proxy"
	"github.com/abbaskiko/mcdkit/internal/query"
	"github.com/abbaskiko/mcdkit/internal/registry"
	"github.com/abbaskiko/mcdkit/internal/server/handler"
	"github.com/abbaskiko/mcdkit/internal/service"
	"github.com/abbaskiko/mcdkit/internal/store/postgres"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// Dependencies bundles everything the modes need. Infrastructure fields are
// nil when the matching config section is disabled; the position fields
// are nil in walletless modes.
type Dependencies struct {
	// Stores
	OperationStore domain.OperationStore
	CdpStore       domain.CdpStore
	AuditStore     domain.AuditStore

	// Caches
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus
	HistoryCache domain.HistoryCache

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Positions
	Registry *registry.Registry
	Ledger   ledger.Client
	Tracker  *txmgr.Tracker
	Proxies  *proxy.Resolver
	Bags     *bag.Resolver
	Manager  *cdp.Manager
	Journal  *service.Journal

	Metrics *prometheus.Registry
	Health  map[string]handler.Pinger
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: prometheus.NewRegistry(),
		Health:  make(map[string]handler.Pinger),
	}
	deps.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// --- PostgreSQL ---
	if cfg.Database.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.OperationStore = postgres.NewOperationStore(pool)
		deps.CdpStore = postgres.NewCdpStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient
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

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HistoryCache = redis.NewHistoryCache(redisClient, cfg.Redis.HistoryTTL.Duration)
		deps.Health["redis"] = redisClient
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
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		if deps.OperationStore != nil {
			deps.Archiver = s3blob.NewArchiver(writer, reader, deps.OperationStore, deps.AuditStore, logger)
		}
		deps.Health["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	if !needsWallet(cfg.Mode) {
		return deps, cleanup, nil
	}

	// --- Ledger ---
	reg, err := cfg.Registry()
	if err != nil {
		return fail(fmt.Errorf("wire: registry: %w", err))
	}
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.KeyFile,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}, cfg.Chain.ChainID)
	if err != nil {
		return fail(fmt.Errorf("wire: signer: %w", err))
	}
	ethClient, err := eth.Dial(ctx, cfg.Chain.RPCURL, reg, signer, eth.Config{
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval.Duration,
		RateLimit:     cfg.Chain.RPCRateLimit,
		Burst:         cfg.Chain.RPCBurst,
		GasMultiplier: cfg.Chain.GasMultiplier,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	closers = append(closers, ethClient.Close)

	var events cdp.EventSource
	if cfg.Query.URL != "" {
		var opts []query.Option
		if deps.RateLimiter != nil && cfg.Query.RateLimit > 0 {
			opts = append(opts, query.WithRateLimit(deps.RateLimiter, cfg.Query.RateLimit, cfg.Query.RateWindow.Duration))
		}
		events = query.NewClient(cfg.Query.URL, cfg.Query.APIKey, opts...)
	}

	wirePositions(deps, reg, ethClient, events, cfg.Manager.DebtConcurrency, logger)
	return deps, cleanup, nil
}

// wirePositions builds the tracker, resolvers, manager and journal on top of
// client. Tests call it with an in-memory ledger.
func wirePositions(deps *Dependencies, reg *registry.Registry, client ledger.Client, events cdp.EventSource, debtConcurrency int, logger *slog.Logger) {
	deps.Registry = reg
	deps.Ledger = client
	deps.Tracker = txmgr.New(client, logger, txmgr.NewMetrics(deps.Metrics))

	opts := service.JournalOptions{Store: deps.OperationStore, Bus: deps.SignalBus}
	if deps.Notifier.Enabled(notify.EventTxFailed) || deps.Notifier.Enabled(notify.EventTxCompleted) {
		opts.Alerts = deps.Notifier
	}
	if opts.Store != nil || opts.Bus != nil || opts.Alerts != nil {
		deps.Journal = service.NewJournal(opts, logger)
		deps.Tracker.AddSink(deps.Journal)
	}

	deps.Proxies = proxy.New(deps.Tracker, deps.LockManager, logger)
	deps.Bags = bag.New(reg, deps.Tracker, deps.Proxies, logger)
	deps.Manager = cdp.NewManager(reg, deps.Tracker, deps.Proxies, deps.Bags, cdp.Options{
		Events:          events,
		Store:           deps.CdpStore,
		Logger:          logger,
		DebtConcurrency: debtConcurrency,
	})
}

// needsWallet reports whether mode talks to the ledger.
func needsWallet(mode string) bool {
	switch mode {
	case "archive", "encrypt-key":
		return false
	}
	return true
}

var _ cdp.EventSource = (*query.Client)(nil)
