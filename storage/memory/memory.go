// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmcleod/dashgate/internal/util"
	"github.com/jmcleod/dashgate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu        sync.RWMutex
	users     map[string]storage.User
	byEmail   map[string]string
	bookmarks map[string]storage.Bookmark
	notes     map[string]storage.Note
	links     map[string]storage.ProfileLink
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		users:     make(map[string]storage.User),
		byEmail:   make(map[string]string),
		bookmarks: make(map[string]storage.Bookmark),
		notes:     make(map[string]storage.Note),
		links:     make(map[string]storage.ProfileLink),
	}
}

func makeKey(userID, id string) string {
	return userID + ":" + id
}

// CreateUser validates everything before writing, so a failure leaves the
// repository untouched.
func (r *Repository) CreateUser(ctx context.Context, u storage.User, d storage.Defaults) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.Email = util.NormalizeEmail(u.Email)
	if u.ID == "" || u.Email == "" {
		return fmt.Errorf("%w: user requires id and email", storage.ErrInvalid)
	}
	if _, taken := r.byEmail[u.Email]; taken {
		return fmt.Errorf("%s: %w", u.Email, storage.ErrConflict)
	}
	if _, taken := r.users[u.ID]; taken {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrConflict)
	}
	if err := d.Validate(u.ID); err != nil {
		return err
	}
	for _, b := range d.Bookmarks {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	for _, n := range d.Notes {
		if err := n.Validate(); err != nil {
			return err
		}
	}

	r.users[u.ID] = u
	r.byEmail[u.Email] = u.ID
	for _, b := range d.Bookmarks {
		r.bookmarks[makeKey(b.UserID, b.ID)] = b
	}
	for _, n := range d.Notes {
		r.notes[makeKey(n.UserID, n.ID)] = n
	}
	return nil
}

func (r *Repository) UserByID(ctx context.Context, id string) (storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return storage.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (r *Repository) UserByEmail(ctx context.Context, email string) (storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[util.NormalizeEmail(email)]
	if !ok {
		return storage.User{}, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	return r.users[id], nil
}

func (r *Repository) ListBookmarks(ctx context.Context, userID string) ([]storage.Bookmark, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := listOwned(r.bookmarks, userID, func(b storage.Bookmark) string { return b.UserID })
	storage.SortBookmarks(out)
	return out, nil
}

func (r *Repository) GetBookmark(ctx context.Context, userID, id string) (storage.Bookmark, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookmarks[makeKey(userID, id)]
	if !ok {
		return storage.Bookmark{}, fmt.Errorf("bookmark %s: %w", id, storage.ErrNotFound)
	}
	return b, nil
}

func (r *Repository) PutBookmark(ctx context.Context, b storage.Bookmark) error {
	if err := b.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookmarks[makeKey(b.UserID, b.ID)] = b
	return nil
}

func (r *Repository) DeleteBookmark(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deleteOwned(r.bookmarks, "bookmark", userID, id)
}

func (r *Repository) ListNotes(ctx context.Context, userID string) ([]storage.Note, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := listOwned(r.notes, userID, func(n storage.Note) string { return n.UserID })
	storage.SortNotes(out)
	return out, nil
}

func (r *Repository) GetNote(ctx context.Context, userID, id string) (storage.Note, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notes[makeKey(userID, id)]
	if !ok {
		return storage.Note{}, fmt.Errorf("note %s: %w", id, storage.ErrNotFound)
	}
	return n, nil
}

func (r *Repository) PutNote(ctx context.Context, n storage.Note) error {
	if err := n.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[makeKey(n.UserID, n.ID)] = n
	return nil
}

func (r *Repository) DeleteNote(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deleteOwned(r.notes, "note", userID, id)
}

func (r *Repository) ListProfileLinks(ctx context.Context, userID string) ([]storage.ProfileLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := listOwned(r.links, userID, func(l storage.ProfileLink) string { return l.UserID })
	storage.SortProfileLinks(out)
	return out, nil
}

func (r *Repository) PutProfileLink(ctx context.Context, l storage.ProfileLink) error {
	if err := l.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.links {
		if existing.ID != l.ID && existing.SameTarget(l) {
			return fmt.Errorf("profile link %s/%s: %w", l.Platform, l.Username, storage.ErrConflict)
		}
	}
	r.links[makeKey(l.UserID, l.ID)] = l
	return nil
}

func (r *Repository) DeleteProfileLink(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deleteOwned(r.links, "profile link", userID, id)
}

func (r *Repository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func listOwned[T any](m map[string]T, userID string, owner func(T) string) []T {
	out := make([]T, 0)
	for _, v := range m {
		if owner(v) == userID {
			out = append(out, v)
		}
	}
	return out
}

func deleteOwned[T any](m map[string]T, kind, userID, id string) error {
	k := makeKey(userID, id)
	if _, ok := m[k]; !ok {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	delete(m, k)
	return nil
}
