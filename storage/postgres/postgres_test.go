package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/jmcleod/dashgate/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DASHGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DASHGATE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	store, err := NewRepositoryFromDSN(ctx, dsn, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}

	// Clean tables for test isolation.
	store.pool.Exec(ctx, "TRUNCATE users CASCADE") //nolint:errcheck
	t.Cleanup(func() {
		store.pool.Exec(ctx, "TRUNCATE users CASCADE") //nolint:errcheck
		store.Close()
	})
	return store
}

func TestPostgresRepository(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 2; i++ {
		if err := EnsureSchema(context.Background(), s.pool); err != nil {
			t.Fatalf("EnsureSchema run %d failed: %v", i+1, err)
		}
	}
}

func TestUseCounterRecycles(t *testing.T) {
	c := &useCounter{max: 3, uses: make(map[*pgx.Conn]int)}
	a, b := &pgx.Conn{}, &pgx.Conn{}

	for i := 1; i < 3; i++ {
		if !c.release(a) {
			t.Fatalf("release %d: connection recycled early", i)
		}
	}
	if c.release(a) {
		t.Fatal("expected connection to be recycled on the third release")
	}
	if !c.release(a) {
		t.Fatal("counter should restart for a recycled connection")
	}

	c.release(b)
	c.forget(b)
	if _, ok := c.uses[b]; ok {
		t.Fatal("forget should drop the connection")
	}
}
