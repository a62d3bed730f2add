package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/dashgate/storage"
	"github.com/jmcleod/dashgate/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dashgate-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStorage(t *testing.T) {
	s, err := NewRepository(newTestDB(t))
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	storagetest.Run(t, s)
}

func TestBBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	u := storagetest.NewUser("persist@example.com")
	if err := s.CreateUser(ctx, u, storage.DefaultsFor(u, time.Now())); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.UserByEmail(ctx, "persist@example.com")
	if err != nil {
		t.Fatalf("UserByEmail after reopen failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("expected id %s, got %s", u.ID, got.ID)
	}
}

func TestBBoltPingAfterClose(t *testing.T) {
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "closed.db"), nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail on a closed database")
	}
}
