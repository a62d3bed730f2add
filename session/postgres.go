package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/dashgate/fault"
)

const (
	DefaultSchema = "dashgate"
	DefaultTable  = "sessions"

	pingTimeout = 5 * time.Second
)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresBinder binds sessions to a table in PostgreSQL.
//
// The strict strategy requires Schema.Table to already exist and addresses it
// fully qualified. The relaxed strategy addresses the bare Table name through
// the connection's search_path and creates it if missing.
type PostgresBinder struct {
	Pool   *pgxpool.Pool
	Schema string
	Table  string
}

var _ Binder = (*PostgresBinder)(nil)

func (b *PostgresBinder) Bind(ctx context.Context, strategy Strategy) (Backend, error) {
	if b.Pool == nil {
		return nil, errors.New("postgres session binder: nil pool")
	}
	schema, table := b.Schema, b.Table
	if schema == "" {
		schema = DefaultSchema
	}
	if table == "" {
		table = DefaultTable
	}
	if !pgIdentRe.MatchString(schema) || !pgIdentRe.MatchString(table) {
		return nil, fmt.Errorf("postgres session binder: invalid identifier %q.%q", schema, table)
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := b.Pool.Ping(pctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	switch strategy {
	case StrategyStrict:
		qualified := pgx.Identifier{schema, table}.Sanitize()
		var found *string
		err := b.Pool.QueryRow(pctx, `SELECT to_regclass($1)::text`, qualified).Scan(&found)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", qualified, err)
		}
		if found == nil {
			return nil, fmt.Errorf("session table %s does not exist", qualified)
		}
		return &postgresStore{pool: b.Pool, table: qualified}, nil
	default:
		ident := pgx.Identifier{table}.Sanitize()
		if err := ensureTable(pctx, b.Pool, ident, table); err != nil {
			return nil, err
		}
		return &postgresStore{pool: b.Pool, table: ident}, nil
	}
}

// EnsureSchema provisions the strict-addressed session table.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema, table string) error {
	if !pgIdentRe.MatchString(schema) || !pgIdentRe.MatchString(table) {
		return fmt.Errorf("invalid identifier %q.%q", schema, table)
	}
	_, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize())
	if err := fault.Swallow(fault.Setup(err)); err != nil {
		return fmt.Errorf("creating schema %s: %w", schema, err)
	}
	return ensureTable(ctx, pool, pgx.Identifier{schema, table}.Sanitize(), table)
}

// ensureTable creates the session table and its expiry index. Concurrent
// first-time setup can race on the catalog; those errors are swallowed.
func ensureTable(ctx context.Context, pool *pgxpool.Pool, ident, bare string) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+ident+` (
		sid    TEXT PRIMARY KEY,
		sess   JSONB NOT NULL,
		expire TIMESTAMPTZ NOT NULL
	)`)
	if err := fault.Swallow(fault.Setup(err)); err != nil {
		return fmt.Errorf("creating session table %s: %w", ident, err)
	}
	index := pgx.Identifier{"idx_" + bare + "_expire"}.Sanitize()
	_, err = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS `+index+` ON `+ident+` (expire)`)
	if err := fault.Swallow(fault.Setup(err)); err != nil {
		return fmt.Errorf("creating session expiry index: %w", err)
	}
	return nil
}

// postgresStore keeps one row per session: the JSON payload and an expiry
// column indexed for sweeping. The expire column is authoritative.
type postgresStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ Backend = (*postgresStore)(nil)

type sessionPayload struct {
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *postgresStore) Load(ctx context.Context, id string) (Record, error) {
	var (
		raw    []byte
		expire time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT sess, expire FROM `+s.table+` WHERE sid = $1`, id).Scan(&raw, &expire)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var p sessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Record{}, fault.Corrupt(fmt.Errorf("decoding session %s: %w", s.table, err))
	}
	return Record{ID: id, UserID: p.UserID, CreatedAt: p.CreatedAt, ExpiresAt: expire}, nil
}

func (s *postgresStore) Save(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(sessionPayload{UserID: rec.UserID, CreatedAt: rec.CreatedAt})
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (sid, sess, expire) VALUES ($1, $2, $3)
		 ON CONFLICT (sid) DO UPDATE SET sess = EXCLUDED.sess, expire = EXCLUDED.expire`,
		rec.ID, raw, rec.ExpiresAt)
	return err
}

func (s *postgresStore) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.table+` SET expire = $2 WHERE sid = $1`, id, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Destroy(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE sid = $1`, id)
	return err
}

func (s *postgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE expire <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op: the pool is owned by the caller.
func (s *postgresStore) Close() error { return nil }
