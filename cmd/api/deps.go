package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nyashahama/workspace-billing-backend/internal/checkout"
	"github.com/nyashahama/workspace-billing-backend/internal/config"
	"github.com/nyashahama/workspace-billing-backend/internal/lock"
	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	"github.com/nyashahama/workspace-billing-backend/internal/store/memstore"
	"github.com/nyashahama/workspace-billing-backend/internal/store/mongostore"
	"github.com/nyashahama/workspace-billing-backend/internal/store/pgstore"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	stripe   stripeinternal.Client
	locker   lock.Locker
	metrics  *metrics.Metrics
	checkout *checkout.Service

	redis *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	logger.Info("store connected", "driver", cfg.StoreDriver)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		stripe:  stripeinternal.NewClient(cfg.StripeSecretKey),
		locker:  lock.Noop{},
		metrics: metrics.New(),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		a.locker = lock.NewRedisLocker(a.redis, lock.RedisConfig{
			Prefix: "billing:lock:",
			TTL:    cfg.LockTTL,
			Wait:   cfg.LockWait,
		})
		logger.Info("redis connected, checkout locking enabled")
	} else {
		logger.Warn("REDIS_URL not set, checkout locking disabled")
	}

	a.checkout = checkout.NewService(checkout.Deps{
		Stripe:  a.stripe,
		Store:   a.store,
		Locker:  a.locker,
		Metrics: a.metrics,
		Logger:  logger,
	})
	return a, nil
}

// Close releases the store and Redis connections.
func (a *app) Close(ctx context.Context) {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close", "error", err)
		}
	}
	if err := a.store.Close(ctx); err != nil {
		a.logger.Warn("store close", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		return mongostore.Open(ctx, mongostore.Config{
			URI:          cfg.MongoURI,
			Database:     cfg.MongoDatabase,
			Transactions: cfg.MongoTransactions,
		})
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.DatabaseURL)
	case config.DriverMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.StoreDriver)
	}
}
