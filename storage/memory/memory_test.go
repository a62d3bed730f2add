package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jmcleod/dashgate/storage"
	"github.com/jmcleod/dashgate/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepositoryIsolation(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	u := storagetest.NewUser("iso@example.com")
	if err := repo.CreateUser(ctx, u, storage.DefaultsFor(u, time.Now())); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	list, err := repo.ListBookmarks(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListBookmarks failed: %v", err)
	}
	list[0].Title = "mutated"

	again, err := repo.GetBookmark(ctx, u.ID, list[0].ID)
	if err != nil {
		t.Fatalf("GetBookmark failed: %v", err)
	}
	if again.Title == "mutated" {
		t.Error("returned slice aliases repository state")
	}
}
