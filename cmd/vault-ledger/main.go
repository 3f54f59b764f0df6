package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/activity"
	"github.com/Checker-Finance/vault-ledger/internal/api"
	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/config"
	"github.com/Checker-Finance/vault-ledger/internal/custody"
	"github.com/Checker-Finance/vault-ledger/internal/feed"
	"github.com/Checker-Finance/vault-ledger/internal/jobs"
	"github.com/Checker-Finance/vault-ledger/internal/publisher"
	"github.com/Checker-Finance/vault-ledger/internal/rabbitmq"
	"github.com/Checker-Finance/vault-ledger/internal/rate"
	internalsecrets "github.com/Checker-Finance/vault-ledger/internal/secrets"
	"github.com/Checker-Finance/vault-ledger/internal/store"
	"github.com/Checker-Finance/vault-ledger/internal/vault"
	"github.com/Checker-Finance/vault-ledger/pkg/cache"
	"github.com/Checker-Finance/vault-ledger/pkg/eventbus"
	"github.com/Checker-Finance/vault-ledger/pkg/logger"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
	"github.com/Checker-Finance/vault-ledger/pkg/secrets"
	"github.com/Checker-Finance/vault-ledger/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg, err := config.Load()
	if err != nil {
		logger.S().Fatalw("invalid configuration", "error", err)
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [vault-ledger]...")
	logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))

	// --- Admin identity (static or from AWS Secrets Manager) ---
	adminID := cfg.AdminIdentity
	if cfg.AdminSecretName != "" {
		awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		resolver := internalsecrets.NewResolver(
			logger.Named("secrets"),
			cfg.Env,
			cfg.ServiceName,
			awsProvider,
			cache.New[string](cfg.CacheTTL),
		)
		adminID, err = resolver.Resolve(ctx, cfg.AdminSecretName, internalsecrets.ParseAdminIdentity)
		if err != nil {
			logg.Fatalw("failed to resolve admin identity", "secret", cfg.AdminSecretName, "error", err)
		}
	}
	logg.Infow("admin identity configured", "admin", utils.MaskIdentity(adminID))

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPass,
		Prefix:   cfg.RedisPrefix,
	}, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, logger.Named("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	if err := st.Migrate(ctx); err != nil {
		logg.Fatalw("failed to migrate schema", "error", err)
	}

	// --- External wallet ledger ---
	var wallets asset.Ledger
	switch cfg.WalletBackend {
	case config.WalletRedis:
		wallets = asset.NewRedisLedger(st.Redis(), cfg.RedisPrefix+":wallet", logger.Named("wallet"))
	case config.WalletHTTP:
		wallets = custody.New(custody.Config{
			BaseURL:  cfg.CustodyBaseURL,
			RetryMax: cfg.CustodyRetryMax,
			Timeout:  cfg.CustodyTimeout,
			Rate: rate.Config{
				RequestsPerSecond: cfg.CustodyRPS,
				Burst:             cfg.CustodyRPS * 2,
				Cooldown:          1 * time.Second,
			},
		}, logger.Named("custody"))
	default:
		logg.Warn("WALLET_BACKEND=memory; wallets do not survive restarts")
		wallets = asset.NewMemoryLedger()
	}

	// --- Event bus and sinks ---
	bus := eventbus.New[model.VaultEvent]()

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		pub, err := publisher.New(nc, cfg.EventSubjectPrefix, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		pub.Attach(bus)
	} else {
		logg.Warn("NATS_URL not configured; NATS events disabled")
	}

	var amqpPub *rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		amqpPub, err = rabbitmq.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger.Named("rabbitmq"))
		if err != nil {
			logg.Fatalw("failed to init rabbitmq publisher", "error", err)
		}
		amqpPub.Attach(bus)
	}

	hub := feed.NewHub(logger.Named("feed"))
	hub.Attach(bus)

	if st.PG != nil {
		activity.NewWriter(st.PG, logger.Named("activity"), cfg.ServiceName).Attach(bus)
	}

	// --- Vault ---
	v, err := vault.New(logger.Named("vault"), adminID, wallets, st, bus)
	if err != nil {
		logg.Fatalw("failed to create vault", "error", err)
	}
	if err := restoreOrBootstrap(ctx, logg.Desugar(), v, st, adminID, cfg.BootstrapAssets); err != nil {
		logg.Fatalw("failed to restore vault state", "error", err)
	}

	// --- Conservation auditor ---
	var db jobs.DBExecutor
	if st.PG != nil {
		db = st.PG
	}
	auditor := jobs.NewConservationAuditor(logger.Named("audit"), v, db, bus, cfg.AuditInterval)
	auditor.RunOnce(ctx)
	go auditor.Start(ctx)

	// --- Per-caller limits and idempotency replays ---
	limits := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	replays := cache.New[api.Replay](cfg.IdempotencyTTL)
	stopJanitor := make(chan struct{})
	go replays.StartSweeper(time.Minute, stopJanitor)
	go pruneLimiters(limits, stopJanitor)

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	api.RegisterRoutes(app, api.RouteDeps{
		Logger:  logger.Named("api"),
		NATS:    nc,
		Store:   st,
		Handler: api.NewVaultHandler(logger.Named("api"), v),
		Limits:  limits,
		Replays: replays,
	})

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Websocket event feed ---
	var feedSrv *http.Server
	if cfg.FeedPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/ws/events", hub)
		feedSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.FeedPort),
			Handler:           mux,
			ReadHeaderTimeout: cfg.HTTPReadTimeout,
		}
		go func() {
			logg.Infof("event feed listening on :%d", cfg.FeedPort)
			if err := feedSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logg.Fatalw("feed.listen_failed", "error", err)
			}
		}()
	}

	// --- Main process stays alive until interrupted ---
	logg.Infow("[vault-ledger] running",
		"env", cfg.Env,
		"wallet_backend", cfg.WalletBackend,
		"initialized", v.IsInitialized(),
		"paused", v.IsPaused(),
		"assets", len(v.Assets()))

	<-ctx.Done()
	logg.Info("shutting down [vault-ledger]...")

	close(stopJanitor)
	auditor.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if feedSrv != nil {
		if err := feedSrv.Shutdown(shutdownCtx); err != nil {
			logg.Warnw("feed.shutdown_failed", "error", err)
		}
	}
	hub.Close()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logg.Warnw("nats.drain_failed", "error", err)
		}
	}
	if amqpPub != nil {
		if err := amqpPub.Close(); err != nil {
			logg.Warnw("rabbitmq.close_failed", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}

// restoreOrBootstrap rebuilds the vault from the store, or on an empty store
// initializes it and onboards the configured assets.
func restoreOrBootstrap(ctx context.Context, log *zap.Logger, v *vault.Vault, st *store.HybridStore, adminID string, assets []asset.Kind) error {
	snap, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap.Admin.Initialized {
		if err := v.Restore(snap); err != nil {
			return err
		}
		log.Info("vault.restored",
			zap.Int("assets", len(snap.Vaults)),
			zap.Int("users", len(snap.Users)),
			zap.Bool("paused", snap.Admin.Paused))
		return nil
	}
	if len(assets) == 0 {
		log.Warn("vault.uninitialized; waiting for admin initialize call")
		return nil
	}

	if err := v.Initialize(ctx, adminID); err != nil {
		return fmt.Errorf("bootstrap initialize: %w", err)
	}
	for _, kind := range assets {
		if _, err := v.OnboardAsset(ctx, adminID, kind); err != nil && !errors.Is(err, vault.ErrAlreadyOnboarded) {
			return fmt.Errorf("bootstrap onboard %s: %w", kind.Symbol, err)
		}
	}
	log.Info("vault.bootstrapped", zap.Int("assets", len(assets)))
	return nil
}

func pruneLimiters(limits *rate.Manager, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limits.Prune(10 * time.Minute)
		case <-stop:
			return
		}
	}
}
