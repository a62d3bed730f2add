// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Per-user resource tables use a composite primary key (user_id, id) that
// mirrors the key space used by the BBolt and in-memory backends, so every
// lookup is scoped to its owner by construction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/dashgate/internal/util"
	"github.com/jmcleod/dashgate/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string, cfg PoolConfig) (*Store, error) {
	pool, err := NewPool(ctx, dsn, cfg)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool, for sharing with the
// session store.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared statements.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts the user and its defaults in one transaction. Any
// failing step rolls back every prior insert.
func (s *Store) CreateUser(ctx context.Context, u storage.User, d storage.Defaults) error {
	u.Email = util.NormalizeEmail(u.Email)
	if u.ID == "" || u.Email == "" {
		return fmt.Errorf("%w: user requires id and email", storage.ErrInvalid)
	}
	if err := d.Validate(u.ID); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, email, full_name, password_hash, tier, is_verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.FullName, u.PasswordHash, u.Tier, u.IsVerified, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", u.Email, storage.ErrConflict)
	}
	if err != nil {
		return err
	}
	for _, b := range d.Bookmarks {
		if err := putBookmark(ctx, tx, b); err != nil {
			return err
		}
	}
	for _, n := range d.Notes {
		if err := putNote(ctx, tx, n); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const userColumns = `id, email, full_name, password_hash, tier, is_verified, created_at`

func scanUser(row pgx.Row, key string) (storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Tier, &u.IsVerified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, fmt.Errorf("user %s: %w", key, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) UserByID(ctx context.Context, id string) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id), id)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, util.NormalizeEmail(email)), email)
}

// ---------------------------------------------------------------------------
// Bookmarks
// ---------------------------------------------------------------------------

func (s *Store) ListBookmarks(ctx context.Context, userID string) ([]storage.Bookmark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, url, created_at, updated_at
		 FROM bookmarks WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Bookmark, error) {
		var b storage.Bookmark
		err := row.Scan(&b.ID, &b.UserID, &b.Title, &b.URL, &b.CreatedAt, &b.UpdatedAt)
		return b, err
	})
	if out == nil && err == nil {
		out = []storage.Bookmark{}
	}
	return out, err
}

func (s *Store) GetBookmark(ctx context.Context, userID, id string) (storage.Bookmark, error) {
	var b storage.Bookmark
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, url, created_at, updated_at
		 FROM bookmarks WHERE user_id = $1 AND id = $2`, userID, id).
		Scan(&b.ID, &b.UserID, &b.Title, &b.URL, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Bookmark{}, fmt.Errorf("bookmark %s: %w", id, storage.ErrNotFound)
	}
	return b, err
}

func putBookmark(ctx context.Context, q querier, b storage.Bookmark) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := q.Exec(ctx,
		`INSERT INTO bookmarks (id, user_id, title, url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, id)
		 DO UPDATE SET title = $3, url = $4, updated_at = $6`,
		b.ID, b.UserID, b.Title, b.URL, b.CreatedAt, b.UpdatedAt)
	return err
}

func (s *Store) PutBookmark(ctx context.Context, b storage.Bookmark) error {
	return putBookmark(ctx, s.pool, b)
}

func (s *Store) DeleteBookmark(ctx context.Context, userID, id string) error {
	return deleteOwned(ctx, s.pool, "bookmarks", "bookmark", userID, id)
}

// ---------------------------------------------------------------------------
// Notes
// ---------------------------------------------------------------------------

func (s *Store) ListNotes(ctx context.Context, userID string) ([]storage.Note, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, body, pinned, created_at, updated_at
		 FROM notes WHERE user_id = $1 ORDER BY pinned DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Note, error) {
		var n storage.Note
		err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Pinned, &n.CreatedAt, &n.UpdatedAt)
		return n, err
	})
	if out == nil && err == nil {
		out = []storage.Note{}
	}
	return out, err
}

func (s *Store) GetNote(ctx context.Context, userID, id string) (storage.Note, error) {
	var n storage.Note
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, body, pinned, created_at, updated_at
		 FROM notes WHERE user_id = $1 AND id = $2`, userID, id).
		Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Pinned, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Note{}, fmt.Errorf("note %s: %w", id, storage.ErrNotFound)
	}
	return n, err
}

func putNote(ctx context.Context, q querier, n storage.Note) error {
	if err := n.Validate(); err != nil {
		return err
	}
	_, err := q.Exec(ctx,
		`INSERT INTO notes (id, user_id, title, body, pinned, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, id)
		 DO UPDATE SET title = $3, body = $4, pinned = $5, updated_at = $7`,
		n.ID, n.UserID, n.Title, n.Body, n.Pinned, n.CreatedAt, n.UpdatedAt)
	return err
}

func (s *Store) PutNote(ctx context.Context, n storage.Note) error {
	return putNote(ctx, s.pool, n)
}

func (s *Store) DeleteNote(ctx context.Context, userID, id string) error {
	return deleteOwned(ctx, s.pool, "notes", "note", userID, id)
}

// ---------------------------------------------------------------------------
// Profile links
// ---------------------------------------------------------------------------

func (s *Store) ListProfileLinks(ctx context.Context, userID string) ([]storage.ProfileLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, platform, username, created_at
		 FROM profile_links WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ProfileLink, error) {
		var l storage.ProfileLink
		err := row.Scan(&l.ID, &l.UserID, &l.Platform, &l.Username, &l.CreatedAt)
		return l, err
	})
	if out == nil && err == nil {
		out = []storage.ProfileLink{}
	}
	return out, err
}

func (s *Store) PutProfileLink(ctx context.Context, l storage.ProfileLink) error {
	if err := l.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profile_links (id, user_id, platform, username, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, id)
		 DO UPDATE SET platform = $3, username = $4`,
		l.ID, l.UserID, l.Platform, l.Username, l.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("profile link %s/%s: %w", l.Platform, l.Username, storage.ErrConflict)
	}
	return err
}

func (s *Store) DeleteProfileLink(ctx context.Context, userID, id string) error {
	return deleteOwned(ctx, s.pool, "profile_links", "profile link", userID, id)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// deleteOwned removes one row from a per-user table. table is always a
// package constant, never caller input.
func deleteOwned(ctx context.Context, q querier, table, kind, userID, id string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM `+table+` WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
