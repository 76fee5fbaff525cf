package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/consent-ledger/auth"
	"github.com/upb/consent-ledger/config"
	"github.com/upb/consent-ledger/handlers"
	"github.com/upb/consent-ledger/middleware"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/repositories/memory"
	"github.com/upb/consent-ledger/repositories/postgres"
	"github.com/upb/consent-ledger/services/anchor"
	"github.com/upb/consent-ledger/services/escrow"
	"github.com/upb/consent-ledger/services/journal"
	"github.com/upb/consent-ledger/services/ledger"
	"github.com/upb/consent-ledger/services/merkle"
	"github.com/upb/consent-ledger/services/payout"
	"github.com/upb/consent-ledger/services/settlement"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil with memory storage
	Logger *zap.Logger

	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories

	// Services
	Ledger     *ledger.Service
	Batcher    *merkle.Batcher
	Anchors    *anchor.Dispatcher
	Journal    *journal.Service
	Escrow     *escrow.Service
	Settlement *settlement.Service
	Payout     *payout.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	HealthChecks map[string]handlers.Check

	kafkaSink      *anchor.KafkaSink
	redis          *redis.Client
	workersStarted bool
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:       cfg,
		Logger:       logger,
		HealthChecks: make(map[string]handlers.Check),
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initAnchors(cfg); err != nil {
		_ = deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize anchor sink: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		_ = deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("anchor_sink", cfg.Anchor.Sink),
		zap.String("velocity_source", cfg.Payout.VelocitySource))
	return deps, nil
}

// initStorage opens the configured repository backend
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Driver == config.StorageMemory {
		d.Repos = memory.NewStore(d.Logger).Repositories()
		d.Logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.HealthCheck(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}
	if cfg.Storage.InitSchema {
		if err := d.DB.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	d.Repos = factory.NewRepositories()
	d.HealthChecks["database"] = handlers.DatabaseCheck(d.DB.DB)
	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initAnchors builds the dispatcher that hands batch roots to the sink
func (d *Dependencies) initAnchors(cfg *config.Config) error {
	var sink anchor.Sink
	switch cfg.Anchor.Sink {
	case config.AnchorSinkKafka:
		k, err := anchor.NewKafkaSink(cfg.Anchor.KafkaBrokers, cfg.Anchor.KafkaTopic, d.Logger)
		if err != nil {
			return err
		}
		d.kafkaSink = k
		sink = k
	default:
		sink = anchor.NewLogSink(d.Logger)
	}

	d.Anchors = anchor.NewDispatcher(sink, d.Repos.Batches, d.Logger, anchor.Config{
		BufferSize:  cfg.Anchor.BufferSize,
		WorkerCount: cfg.Anchor.Workers,
		Timeout:     cfg.Anchor.Timeout,
	})
	return nil
}

// initServices wires the ledger, escrow, settlement and payout services
func (d *Dependencies) initServices(cfg *config.Config) error {
	repos := d.Repos

	d.Ledger = ledger.NewService(repos.Receipts, repos.Transactions, d.Logger)
	d.Batcher = merkle.NewBatcher(repos.Receipts, repos.Batches, repos.Transactions, d.Anchors, cfg.Ledger.AnchorRetryEvery, d.Logger)
	d.Journal = journal.NewService(repos.Journal, d.Logger)
	d.Escrow = escrow.NewService(repos.Escrows, repos.Contracts, d.Journal, d.Ledger, repos.Transactions, d.Logger)
	d.Settlement = settlement.NewService(d.Escrow, d.Ledger, repos.Contracts, repos.Balances,
		repos.Settlements, repos.Transactions, d.Logger)

	velocity, err := d.velocitySource(cfg)
	if err != nil {
		return err
	}
	rail, err := d.paymentRail(cfg)
	if err != nil {
		return err
	}

	d.Payout = payout.NewService(repos.Balances, repos.Payouts, d.Journal, d.Ledger, velocity, rail,
		repos.Transactions, payout.Config{
			MinAmount:         cfg.Payout.MinAmount,
			DailyCap:          cfg.Payout.DailyCap,
			VelocityThreshold: cfg.Payout.VelocityThreshold,
			VelocityWindow:    cfg.Payout.VelocityWindow,
			TransferTimeout:   cfg.Payout.TransferTimeout,
		}, d.Logger)
	return nil
}

func (d *Dependencies) velocitySource(cfg *config.Config) (payout.VelocitySource, error) {
	if cfg.Payout.VelocitySource != config.VelocityRedis {
		return payout.NewRepositoryVelocity(d.Repos.Payouts), nil
	}

	client, err := payout.Connect(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.redis = client
	d.HealthChecks["redis"] = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return payout.NewRedisVelocity(client, cfg.Payout.VelocityWindow), nil
}

// paymentRail routes every method to the HTTP rail when one is configured.
// Without one, transfers are only logged, which Validate forbids in production.
func (d *Dependencies) paymentRail(cfg *config.Config) (payout.Rail, error) {
	if cfg.Payout.RailURL == "" {
		d.Logger.Warn("no payout rail configured, transfers are logged only")
		return payout.NewRouter(logRail(d.Logger)), nil
	}

	railCfg := payout.DefaultRailConfig()
	railCfg.BaseURL = cfg.Payout.RailURL
	railCfg.APIKey = cfg.Payout.RailAPIKey
	railCfg.Timeout = cfg.Payout.TransferTimeout

	router := payout.NewRouter(nil)
	httpRail := payout.NewHTTPRail(railCfg)
	for _, method := range models.PayoutMethods {
		if err := router.Register(method, httpRail); err != nil {
			return nil, err
		}
	}
	d.Logger.Info("payout rail configured", zap.String("base_url", railCfg.BaseURL))
	return router, nil
}

func logRail(logger *zap.Logger) payout.Rail {
	return payout.RailFunc(func(ctx context.Context, p *models.PayoutInstruction) (string, error) {
		logger.Info("payout transfer logged",
			zap.String("payout_id", p.ID.String()),
			zap.String("ds_id", p.DSID),
			zap.String("amount", p.Amount.String()),
			zap.String("method", string(p.Method)))
		return "log:" + p.ID.String(), nil
	})
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, protected routes will reject every request")
		d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.RejectAll(), d.Logger)
		return
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), d.Logger)
	d.Logger.Info("token validator initialized", zap.String("issuer", cfg.Auth.Issuer))
}

// StartWorkers starts the anchor dispatcher and the background loops. They
// stop when ctx is cancelled; Close drains the dispatcher.
func (d *Dependencies) StartWorkers(ctx context.Context) error {
	if err := d.Anchors.Start(); err != nil {
		return fmt.Errorf("failed to start anchor dispatcher: %w", err)
	}
	d.workersStarted = true

	if n, err := d.Batcher.RetryPendingAnchors(ctx, 0, d.Config.Ledger.PendingAnchorLimit); err != nil {
		d.Logger.Error("failed to resubmit pending anchors", zap.Error(err))
	} else if n > 0 {
		d.Logger.Info("resubmitted pending anchors at startup", zap.Int("count", n))
	}

	if d.Config.Ledger.BatchingEnabled {
		go d.Batcher.Start(ctx, d.Config.Ledger.BatchInterval, d.Config.Ledger.BatchSize)
	}
	if d.Config.Payout.RecoveryInterval > 0 {
		go d.Payout.StartRecoveryWorker(ctx, d.Config.Payout.RecoveryInterval, d.Config.Payout.StuckAfter)
	}
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.workersStarted {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Anchors.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop anchor dispatcher: %w", err))
		}
	}

	if d.kafkaSink != nil {
		if err := d.kafkaSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
	}

	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if err := d.closeStorage(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

func (d *Dependencies) closeStorage() error {
	if d.RepoFactory == nil {
		return nil
	}
	err := d.RepoFactory.Close()
	if err == nil {
		d.Logger.Info("database connection closed")
	}
	d.RepoFactory = nil
	return err
}
