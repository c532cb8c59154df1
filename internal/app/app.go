// Package app assembles the process-level dependencies shared by the
// commands: the store selected in config and the task compiler.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"workflow-api/internal/compiler"
	"workflow-api/internal/config"
	"workflow-api/internal/logging"
	"workflow-api/internal/repository"
)

// OpenStore connects the store named by cfg.Store.Driver. Connecting is
// retried with exponential backoff until cfg.Store.ConnectTimeout elapses.
func OpenStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "postgres":
		pool, err := connectPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(pool, logging.With(logger, "store", "postgres")), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		err := connect(ctx, cfg.Store.ConnectTimeout, logger, "redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return repository.NewRedisStore(client), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func connectPostgres(ctx context.Context, cfg *config.Config, logger logging.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := connect(ctx, cfg.Store.ConnectTimeout, logger, "postgres", pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// connect calls ping until it succeeds or timeout elapses.
func connect(ctx context.Context, timeout time.Duration, logger logging.Logger, name string, ping func(context.Context) error) error {
	backoff := retry.WithMaxDuration(timeout, retry.WithCappedDuration(5*time.Second, retry.NewExponential(250*time.Millisecond)))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := ping(ctx); err != nil {
			logger.Warn("Store not reachable yet", "store", name, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	logger.Info("Store connected", "store", name, "attempts", attempt)
	return nil
}

// NewCompiler builds a compiler over the built-in native tasks.
func NewCompiler(cfg *config.Config) (*compiler.Compiler, error) {
	registry := compiler.NewRegistry()
	compiler.RegisterBuiltins(registry)
	return compiler.New(registry, compiler.Options{
		MaxSourceBytes: cfg.Compiler.MaxSourceBytes,
		InvokeTimeout:  cfg.Compiler.InvokeTimeout,
		MaxCallStack:   cfg.Compiler.MaxCallStack,
		CacheSize:      cfg.Compiler.CacheSize,
	})
}

// NewLogger builds the logger described by cfg.Log.
func NewLogger(cfg *config.Config) logging.Logger {
	return logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
}
