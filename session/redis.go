package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/dashgate/fault"
)

// DefaultRedisPrefix namespaces session keys.
const DefaultRedisPrefix = "dashgate:sess:"

// RedisBinder binds sessions to a Redis key space.
//
// The strict strategy uses Options as given (database index and ACL user).
// The relaxed strategy drops to database 0 without a username, which is what
// most single-tenant deployments expose.
//
// Key TTLs are measured from Now, which defaults to time.Now. Set it to the
// clock the Adapter uses so key expiry agrees with Record.ExpiresAt.
type RedisBinder struct {
	Options *redis.Options
	Prefix  string
	Now     func() time.Time
}

var _ Binder = (*RedisBinder)(nil)

func (b *RedisBinder) Bind(ctx context.Context, strategy Strategy) (Backend, error) {
	if b.Options == nil {
		return nil, errors.New("redis session binder: nil options")
	}
	opts := *b.Options
	if strategy == StrategyRelaxed {
		opts.DB = 0
		opts.Username = ""
	}
	prefix := b.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	client := redis.NewClient(&opts)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis db %d: %w", opts.DB, err)
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	return &redisStore{client: client, prefix: prefix, now: now}, nil
}

// redisStore keeps each record as a JSON value whose key TTL tracks the
// record's remaining lifetime, so Redis expires sessions on its own.
type redisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Backend = (*redisStore)(nil)

func (s *redisStore) key(id string) string {
	return s.prefix + id
}

func (s *redisStore) Load(ctx context.Context, id string) (Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fault.Corrupt(fmt.Errorf("decoding session: %w", err))
	}
	rec.ID = id
	return rec, nil
}

func (s *redisStore) Save(ctx context.Context, rec Record) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Destroy(ctx, rec.ID)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.ID), data, ttl).Err()
}

func (s *redisStore) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	rec.ExpiresAt = expiresAt
	return s.Save(ctx, rec)
}

func (s *redisStore) Destroy(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// DeleteExpired is a no-op: key TTLs already expire records.
func (s *redisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
