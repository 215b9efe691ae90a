// Package bootstrap assembles the runtime graph shared by the API server and
// the operator CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-admission-api/internal/repository"
	"github.com/noah-isme/sma-admission-api/internal/service"
	"github.com/noah-isme/sma-admission-api/pkg/cache"
	"github.com/noah-isme/sma-admission-api/pkg/config"
	"github.com/noah-isme/sma-admission-api/pkg/database"
	"github.com/noah-isme/sma-admission-api/pkg/messaging"
)

// Container holds long-lived dependencies.
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *sqlx.DB
	Redis      *redis.Client
	Publisher  messaging.Publisher
	Metrics    *service.MetricsService
	Cache      *service.CacheService
	Tokens     *service.TokenService
	Admissions *service.AdmissionService
	Dispatcher *service.OutboxDispatcher
}

// New connects to Postgres, Redis and the broker and wires the services.
// Redis is optional: without it stats are not cached and the sweep lease is
// granted to every instance.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: service.NewMetricsService()}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c.DB = db

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, continuing without stats cache and sweep lease", zap.Error(err))
	} else {
		c.Redis = redisClient
	}

	publisher, err := messaging.New(ctx, cfg.Messaging, cfg.Admissions.Exchange, logger)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("init messaging: %w", err)
	}
	c.Publisher = publisher

	c.wire()
	return c, nil
}

func (c *Container) wire() {
	cfg := c.Config
	applications := repository.NewApplicationRepository(c.DB)
	ledger := repository.NewTransitionLogRepository(c.DB)
	outbox := repository.NewOutboxRepository(c.DB)
	transitions := repository.NewTransitionRepository(c.DB, applications, ledger, outbox)

	var cacheRepo service.CacheRepository
	if c.Redis != nil {
		cacheRepo = repository.NewCacheRepository(c.Redis, c.Logger.Named("cache"))
	}
	leases := repository.NewLeaseRepository(c.Redis)
	c.Cache = service.NewCacheService(cacheRepo, c.Metrics, cfg.Outbox.StatsCacheTTL, c.Logger.Named("cache"), c.Redis != nil)

	c.Tokens = service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	c.Admissions = service.NewAdmissionService(applications, ledger, transitions, validator.New(), c.Logger.Named("admissions"),
		service.WithAdmissionMetrics(c.Metrics),
		service.WithAdmissionExchange(cfg.Admissions.Exchange),
		service.WithAdmissionHistoryLimit(cfg.Admissions.HistoryLimit),
		service.WithConflictRetry(cfg.Admissions.ConflictRetryTimeout, 0),
	)

	c.Dispatcher = service.NewOutboxDispatcher(outbox, c.Publisher, DispatcherConfig(cfg.Outbox), c.Logger.Named("outbox"),
		service.WithDispatcherLeases(leases),
		service.WithDispatcherStatsCache(c.Cache),
		service.WithDispatcherMetrics(c.Metrics),
	)
}

// DispatcherConfig maps the environment settings onto the dispatcher.
func DispatcherConfig(cfg config.OutboxConfig) service.DispatcherConfig {
	return service.DispatcherConfig{
		Enabled:         cfg.Enabled,
		WorkerID:        cfg.WorkerID,
		Workers:         cfg.Workers,
		BatchSize:       cfg.BatchSize,
		PollInterval:    cfg.PollInterval,
		DispatchTimeout: cfg.DispatchTimeout,
		StaleThreshold:  cfg.StaleThreshold,
		SweepInterval:   cfg.SweepInterval,
		MaxBackoff:      cfg.MaxBackoff,
		StatsCacheTTL:   cfg.StatsCacheTTL,
		SweepLeaseKey:   cfg.SweepLeaseKey,
	}
}

// PingPostgres reports database reachability.
func (c *Container) PingPostgres(ctx context.Context) error {
	if c.DB == nil {
		return errors.New("postgres not configured")
	}
	return c.DB.PingContext(ctx)
}

// PingRedis reports cache reachability.
func (c *Container) PingRedis(ctx context.Context) error {
	if c.Redis == nil {
		return errors.New("redis not configured")
	}
	return c.Redis.Ping(ctx).Err()
}

// Close releases every connection the container opened.
func (c *Container) Close() error {
	var errs []error
	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
