// Package storagetest provides a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/dashgate/internal/uuid"
	"github.com/jmcleod/dashgate/storage"
)

// NewUser returns a valid user with a fresh id.
func NewUser(email string) storage.User {
	return storage.User{
		ID:           uuid.New(),
		Email:        email,
		FullName:     "Test User",
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		Tier:         storage.DefaultTier,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run exercises repo against the storage.Repository contract. repo must
// start empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("CreateUser", func(t *testing.T) {
		u := NewUser("Alice@Example.com")
		require.NoError(t, repo.CreateUser(ctx, u, storage.DefaultsFor(u, now)))

		got, err := repo.UserByEmail(ctx, "alice@example.COM")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "alice@example.com", got.Email)

		got, err = repo.UserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "Test User", got.FullName)
		assert.Equal(t, storage.DefaultTier, got.Tier)

		bookmarks, err := repo.ListBookmarks(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, bookmarks, 1)
		notes, err := repo.ListNotes(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.True(t, notes[0].Pinned)
	})

	t.Run("CreateUserDuplicateEmail", func(t *testing.T) {
		u := NewUser("dup@example.com")
		require.NoError(t, repo.CreateUser(ctx, u, storage.Defaults{}))

		again := NewUser("DUP@example.com")
		err := repo.CreateUser(ctx, again, storage.DefaultsFor(again, now))
		assert.ErrorIs(t, err, storage.ErrConflict)

		_, err = repo.UserByID(ctx, again.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		bookmarks, err := repo.ListBookmarks(ctx, again.ID)
		require.NoError(t, err)
		assert.Empty(t, bookmarks)
	})

	t.Run("CreateUserRollsBack", func(t *testing.T) {
		u := NewUser("rollback@example.com")
		d := storage.DefaultsFor(u, now)
		d.Notes = append(d.Notes, storage.Note{ID: storage.NewID(), UserID: u.ID})

		err := repo.CreateUser(ctx, u, d)
		assert.ErrorIs(t, err, storage.ErrInvalid)

		_, err = repo.UserByEmail(ctx, u.Email)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		bookmarks, err := repo.ListBookmarks(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, bookmarks)
	})

	t.Run("UserNotFound", func(t *testing.T) {
		_, err := repo.UserByID(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.UserByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Bookmarks", func(t *testing.T) {
		u := NewUser("bookmarks@example.com")
		require.NoError(t, repo.CreateUser(ctx, u, storage.Defaults{}))

		b := storage.Bookmark{ID: storage.NewID(), UserID: u.ID, Title: "Go", URL: "https://go.dev", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, repo.PutBookmark(ctx, b))

		got, err := repo.GetBookmark(ctx, u.ID, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://go.dev", got.URL)

		b.Title = "The Go Programming Language"
		require.NoError(t, repo.PutBookmark(ctx, b))
		list, err := repo.ListBookmarks(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "The Go Programming Language", list[0].Title)

		// Scoped to the owner.
		_, err = repo.GetBookmark(ctx, uuid.New(), b.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		bad := b
		bad.URL = "javascript:alert(1)"
		assert.ErrorIs(t, repo.PutBookmark(ctx, bad), storage.ErrInvalid)

		require.NoError(t, repo.DeleteBookmark(ctx, u.ID, b.ID))
		assert.ErrorIs(t, repo.DeleteBookmark(ctx, u.ID, b.ID), storage.ErrNotFound)
	})

	t.Run("Notes", func(t *testing.T) {
		u := NewUser("notes@example.com")
		require.NoError(t, repo.CreateUser(ctx, u, storage.Defaults{}))

		first := storage.Note{ID: storage.NewID(), UserID: u.ID, Title: "first", CreatedAt: now, UpdatedAt: now}
		second := storage.Note{ID: storage.NewID(), UserID: u.ID, Body: "second", Pinned: true, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, repo.PutNote(ctx, first))
		require.NoError(t, repo.PutNote(ctx, second))

		list, err := repo.ListNotes(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID, "pinned notes sort first")

		got, err := repo.GetNote(ctx, u.ID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Title)

		require.NoError(t, repo.DeleteNote(ctx, u.ID, first.ID))
		_, err = repo.GetNote(ctx, u.ID, first.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ProfileLinks", func(t *testing.T) {
		u := NewUser("links@example.com")
		require.NoError(t, repo.CreateUser(ctx, u, storage.Defaults{}))

		l := storage.ProfileLink{ID: storage.NewID(), UserID: u.ID, Platform: "twitter", Username: "gopher", CreatedAt: now}
		require.NoError(t, repo.PutProfileLink(ctx, l))

		dup := l
		dup.ID = storage.NewID()
		dup.Username = "Gopher"
		err := repo.PutProfileLink(ctx, dup)
		assert.True(t, errors.Is(err, storage.ErrConflict), "got %v", err)

		list, err := repo.ListProfileLinks(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, repo.DeleteProfileLink(ctx, u.ID, l.ID))
		assert.ErrorIs(t, repo.DeleteProfileLink(ctx, u.ID, l.ID), storage.ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, repo.Ping(ctx))
	})
}
