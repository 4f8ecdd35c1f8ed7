package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clearframe/risk-engine/internal/resilience"
	"github.com/clearframe/risk-engine/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "risk-engine.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// retryConfig translates the config retry block into the resilience
// package's shape. All commands share one policy.
func retryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
	}
}
