package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/dashgate/config"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage"
	bboltstorage "github.com/jmcleod/dashgate/storage/bbolt"
	"github.com/jmcleod/dashgate/storage/memory"
	"github.com/jmcleod/dashgate/storage/postgres"
)

// backends are the stores the server runs on. The PostgreSQL pool, when
// one is opened, is shared by the repository and the session binder.
type backends struct {
	repo   storage.Repository
	binder session.Binder
	pool   *pgxpool.Pool

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func poolConfig(c config.Config) postgres.PoolConfig {
	return postgres.PoolConfig{
		MaxConns:        int32(c.DBMaxConns),
		MaxConnIdleTime: c.DBMaxConnIdleTime,
		MaxConnLifetime: c.DBMaxConnLifetime,
		MaxConnUses:     c.DBMaxConnUses,
		ConnectTimeout:  c.DBConnectTimeout,
	}
}

// sharedPool opens the PostgreSQL pool on first use.
func (b *backends) sharedPool(ctx context.Context, c config.Config) (*pgxpool.Pool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	pool, err := postgres.NewPool(ctx, c.DatabaseURL, poolConfig(c))
	if err != nil {
		return nil, err
	}
	b.pool = pool
	b.closers = append(b.closers, pool.Close)
	return pool, nil
}

// openBackends builds the repository and session binder c selects. On
// error everything opened so far is closed.
func openBackends(ctx context.Context, c config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	switch c.StorageBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage; accounts are lost on restart")
		b.repo = memory.NewRepository()
	case config.BackendBBolt:
		store, err := bboltstorage.NewRepositoryFromFile(c.BoltPath, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("opening bbolt storage: %w", err)
		}
		b.closers = append(b.closers, func() { _ = store.Close() })
		b.repo = store
	case config.BackendPostgres:
		pool, err := b.sharedPool(ctx, c)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("ensuring storage schema: %w", err)
		}
		b.repo = postgres.NewRepository(pool)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	switch c.SessionBackend {
	case config.BackendMemory, "":
		// Ephemeral tier only.
	case config.BackendPostgres:
		pool, err := b.sharedPool(ctx, c)
		if err != nil {
			return nil, err
		}
		b.binder = &session.PostgresBinder{Pool: pool, Schema: c.SessionSchema, Table: c.SessionTable}
	case config.BackendRedis:
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		b.binder = &session.RedisBinder{Options: opts, Prefix: c.RedisPrefix}
	default:
		return nil, fmt.Errorf("unknown session backend %q", c.SessionBackend)
	}
	return b, nil
}
