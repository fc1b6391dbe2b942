// Package bootstrap wires the ledger store and the controller client from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/internal/config"
	"github.com/MarkoPoloResearchLab/devicelink/internal/database"
	"github.com/MarkoPoloResearchLab/devicelink/internal/metrics"
	"github.com/MarkoPoloResearchLab/devicelink/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/devicelink/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Services holds the wired dependencies of one process.
type Services struct {
	Store    devicelink.Store
	Tokens   *controller.TokenManager
	Client   *controller.Client
	Recorder metrics.Recorder
	Now      func() time.Time

	closers []func() error
}

// Close releases database and cache connections.
func (services *Services) Close() error {
	var errs []error
	for index := len(services.closers) - 1; index >= 0; index-- {
		if err := services.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewReconciler builds a reconciler over the wired store and client.
func (services *Services) NewReconciler(cfg config.Config, logger devicelink.OperationLogger, dryRun bool) (*devicelink.Reconciler, error) {
	return devicelink.NewReconciler(services.Store, services.Client, services.Now,
		devicelink.WithOperationLogger(logger),
		devicelink.WithDryRun(dryRun),
		devicelink.WithRetryWindow(cfg.RetryWindow),
		devicelink.WithDiscoveryWindow(cfg.DiscoveryWindow),
	)
}

// Open wires everything cfg names. cfg must already be validated.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Services, error) {
	services := &Services{
		Recorder: metrics.NewRecorder(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
	store, err := services.openStore(ctx, cfg)
	if err != nil {
		_ = services.Close()
		return nil, err
	}
	services.Store = store
	if err := services.openController(cfg, logger); err != nil {
		_ = services.Close()
		return nil, err
	}
	return services, nil
}

// OpenController wires only the controller side, for commands that never touch the ledger.
func OpenController(cfg config.Config, logger *zap.Logger) (*Services, error) {
	services := &Services{
		Recorder: metrics.NewRecorder(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
	if err := services.openController(cfg, logger); err != nil {
		_ = services.Close()
		return nil, err
	}
	return services, nil
}

func (services *Services) openStore(ctx context.Context, cfg config.Config) (devicelink.Store, error) {
	if cfg.StoreDriver == config.StoreDriverPgx {
		pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		services.closers = append(services.closers, func() error {
			pool.Close()
			return nil
		})
		return pgstore.New(pool), nil
	}
	db, cleanup, driver, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	services.closers = append(services.closers, cleanup)
	if err := database.PrepareSchema(db, driver); err != nil {
		return nil, err
	}
	return gormstore.New(db), nil
}

func (services *Services) openController(cfg config.Config, logger *zap.Logger) error {
	cache, err := services.credentialCache(cfg)
	if err != nil {
		return err
	}
	tokens, err := controller.NewTokenManager(cfg.Controller(),
		controller.WithCredentialCache(cache),
		controller.WithTokenClock(services.Now),
		controller.WithTokenLogger(logger),
		controller.WithTokenObserver(services.Recorder),
	)
	if err != nil {
		return err
	}
	client, err := controller.NewClient(cfg.Controller(), tokens,
		controller.WithClock(services.Now),
		controller.WithLogger(logger),
		controller.WithObserver(services.Recorder),
	)
	if err != nil {
		return err
	}
	services.Tokens = tokens
	services.Client = client
	return nil
}

func (services *Services) credentialCache(cfg config.Config) (controller.CredentialCache, error) {
	switch cfg.TokenCache {
	case config.TokenCacheNone:
		return controller.NopCredentialCache{}, nil
	case config.TokenCacheRedis:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		services.closers = append(services.closers, redisClient.Close)
		return controller.NewRedisCredentialCache(redisClient, services.Now), nil
	case config.TokenCacheFile, "":
		return controller.NewFileCredentialCache(cfg.TokenCacheDir), nil
	}
	return nil, fmt.Errorf("%w: unsupported token cache %q", config.ErrInvalidConfig, cfg.TokenCache)
}
