// Package bbolt provides a BBolt-backed storage repository for single-node
// deployments.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/dashgate/internal/util"
	"github.com/jmcleod/dashgate/storage"
)

var (
	bucketUsers     = []byte("users")
	bucketEmails    = []byte("user_emails")
	bucketBookmarks = []byte("bookmarks")
	bucketNotes     = []byte("notes")
	bucketLinks     = []byte("profile_links")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database and
// creates its buckets.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketEmails, bucketBookmarks, bucketNotes, bucketLinks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ownedKey(userID, id string) []byte {
	return []byte(userID + ":" + id)
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON[T any](b *bbolt.Bucket, key []byte, kind, id string) (T, error) {
	var v T
	data := b.Get(key)
	if data == nil {
		return v, fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

func listPrefix[T any](b *bbolt.Bucket, userID string) ([]T, error) {
	out := make([]T, 0)
	prefix := []byte(userID + ":")
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", k, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func deleteKey(b *bbolt.Bucket, key []byte, kind, id string) error {
	if b.Get(key) == nil {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return b.Delete(key)
}

// CreateUser writes the user, its email index entry and every default record
// in one read-write transaction. Any error rolls the whole transaction back.
func (s *Store) CreateUser(_ context.Context, u storage.User, d storage.Defaults) error {
	u.Email = util.NormalizeEmail(u.Email)
	if u.ID == "" || u.Email == "" {
		return fmt.Errorf("%w: user requires id and email", storage.ErrInvalid)
	}
	if err := d.Validate(u.ID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		if emails.Get([]byte(u.Email)) != nil {
			return fmt.Errorf("%s: %w", u.Email, storage.ErrConflict)
		}
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(u.ID)) != nil {
			return fmt.Errorf("user %s: %w", u.ID, storage.ErrConflict)
		}
		if err := putJSON(users, []byte(u.ID), u); err != nil {
			return err
		}
		if err := emails.Put([]byte(u.Email), []byte(u.ID)); err != nil {
			return err
		}
		for _, b := range d.Bookmarks {
			if err := putBookmark(tx, b); err != nil {
				return err
			}
		}
		for _, n := range d.Notes {
			if err := putNote(tx, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) UserByID(_ context.Context, id string) (storage.User, error) {
	var u storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getJSON[storage.User](tx.Bucket(bucketUsers), []byte(id), "user", id)
		return err
	})
	return u, err
}

func (s *Store) UserByEmail(_ context.Context, email string) (storage.User, error) {
	var u storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketEmails).Get([]byte(util.NormalizeEmail(email)))
		if id == nil {
			return fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
		}
		var err error
		u, err = getJSON[storage.User](tx.Bucket(bucketUsers), id, "user", string(id))
		return err
	})
	return u, err
}

func (s *Store) ListBookmarks(_ context.Context, userID string) ([]storage.Bookmark, error) {
	var out []storage.Bookmark
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = listPrefix[storage.Bookmark](tx.Bucket(bucketBookmarks), userID)
		return err
	})
	storage.SortBookmarks(out)
	return out, err
}

func (s *Store) GetBookmark(_ context.Context, userID, id string) (storage.Bookmark, error) {
	var b storage.Bookmark
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		b, err = getJSON[storage.Bookmark](tx.Bucket(bucketBookmarks), ownedKey(userID, id), "bookmark", id)
		return err
	})
	return b, err
}

func putBookmark(tx *bbolt.Tx, b storage.Bookmark) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return putJSON(tx.Bucket(bucketBookmarks), ownedKey(b.UserID, b.ID), b)
}

func (s *Store) PutBookmark(_ context.Context, b storage.Bookmark) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putBookmark(tx, b)
	})
}

func (s *Store) DeleteBookmark(_ context.Context, userID, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteKey(tx.Bucket(bucketBookmarks), ownedKey(userID, id), "bookmark", id)
	})
}

func (s *Store) ListNotes(_ context.Context, userID string) ([]storage.Note, error) {
	var out []storage.Note
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = listPrefix[storage.Note](tx.Bucket(bucketNotes), userID)
		return err
	})
	storage.SortNotes(out)
	return out, err
}

func (s *Store) GetNote(_ context.Context, userID, id string) (storage.Note, error) {
	var n storage.Note
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		n, err = getJSON[storage.Note](tx.Bucket(bucketNotes), ownedKey(userID, id), "note", id)
		return err
	})
	return n, err
}

func putNote(tx *bbolt.Tx, n storage.Note) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return putJSON(tx.Bucket(bucketNotes), ownedKey(n.UserID, n.ID), n)
}

func (s *Store) PutNote(_ context.Context, n storage.Note) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putNote(tx, n)
	})
}

func (s *Store) DeleteNote(_ context.Context, userID, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteKey(tx.Bucket(bucketNotes), ownedKey(userID, id), "note", id)
	})
}

func (s *Store) ListProfileLinks(_ context.Context, userID string) ([]storage.ProfileLink, error) {
	var out []storage.ProfileLink
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = listPrefix[storage.ProfileLink](tx.Bucket(bucketLinks), userID)
		return err
	})
	storage.SortProfileLinks(out)
	return out, err
}

func (s *Store) PutProfileLink(_ context.Context, l storage.ProfileLink) error {
	if err := l.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLinks)
		existing, err := listPrefix[storage.ProfileLink](b, l.UserID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ID != l.ID && e.SameTarget(l) {
				return fmt.Errorf("profile link %s/%s: %w", l.Platform, l.Username, storage.ErrConflict)
			}
		}
		return putJSON(b, ownedKey(l.UserID, l.ID), l)
	})
}

func (s *Store) DeleteProfileLink(_ context.Context, userID, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteKey(tx.Bucket(bucketLinks), ownedKey(userID, id), "profile link", id)
	})
}

// Ping verifies the database file is still open.
func (s *Store) Ping(context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}
