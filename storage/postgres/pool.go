package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig bounds the shared connection pool.
type PoolConfig struct {
	MaxConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
	// MaxConnUses recycles a connection after it has been released this
	// many times. Zero disables use-count recycling.
	MaxConnUses    int
	ConnectTimeout time.Duration
}

// DefaultPoolConfig returns the pool bounds used by the server.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        10,
		MaxConnIdleTime: 30 * time.Second,
		MaxConnLifetime: time.Hour,
		MaxConnUses:     7500,
		ConnectTimeout:  5 * time.Second,
	}
}

// useCounter tracks releases per connection for MaxConnUses.
type useCounter struct {
	mu   sync.Mutex
	max  int
	uses map[*pgx.Conn]int
}

// release records one use of conn and reports whether it may return to
// the pool.
func (c *useCounter) release(conn *pgx.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uses[conn]++
	if c.uses[conn] >= c.max {
		delete(c.uses, conn)
		return false
	}
	return true
}

func (c *useCounter) forget(conn *pgx.Conn) {
	c.mu.Lock()
	delete(c.uses, conn)
	c.mu.Unlock()
}

// NewPool builds a pgxpool with the given bounds. Connections are opened
// lazily; use PingDB to check reachability.
func NewPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.MaxConnUses > 0 {
		counter := &useCounter{max: cfg.MaxConnUses, uses: make(map[*pgx.Conn]int)}
		pcfg.AfterRelease = counter.release
		pcfg.BeforeClose = counter.forget
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
