package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/dashgate/fault"
	"github.com/jmcleod/dashgate/identity"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage"
	"github.com/jmcleod/dashgate/token"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]storage.User
	err   error
}

func (f *fakeUsers) UserByID(_ context.Context, id string) (storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return storage.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (f *fakeUsers) put(u storage.User) {
	f.mu.Lock()
	f.users[u.ID] = u
	f.mu.Unlock()
}

type fixture struct {
	codec    *token.Codec
	sessions *session.Adapter
	users    *fakeUsers
	resolver *Resolver
	// spawned collects fire-and-forget work so tests can run it explicitly.
	spawned []func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := token.NewCodec(token.Config{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)

	f := &fixture{
		codec:    codec,
		sessions: session.Open(context.Background(), nil),
		users:    &fakeUsers{users: make(map[string]storage.User)},
	}
	f.resolver = NewResolver(codec, f.sessions, f.users,
		WithSpawn(func(fn func()) { f.spawned = append(f.spawned, fn) }))
	return f
}

func (f *fixture) runSpawned() {
	for _, fn := range f.spawned {
		fn()
	}
	f.spawned = nil
}

func (f *fixture) user(id, email string) storage.User {
	u := storage.User{ID: id, Email: email, FullName: "User " + id, Tier: storage.DefaultTier}
	f.users.put(u)
	return u
}

func (f *fixture) issue(t *testing.T, id identity.Identity) string {
	t.Helper()
	tok, err := f.codec.Issue(id)
	require.NoError(t, err)
	return tok
}

func (f *fixture) savedSession(t *testing.T, userID string) *session.Record {
	t.Helper()
	rec, err := session.NewRecord(time.Now(), time.Hour)
	require.NoError(t, err)
	rec.UserID = userID
	require.NoError(t, f.sessions.Save(context.Background(), rec))
	return &rec
}

func TestResolveSessionReference(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "alice@example.com")

	res, err := f.resolver.Resolve(context.Background(), &Credentials{Session: f.savedSession(t, alice.ID)})
	require.NoError(t, err)
	assert.Equal(t, SourceSession, res.Source)
	assert.True(t, res.Fresh)
	assert.Equal(t, alice.Identity(), res.Identity)
}

func TestResolveSessionBeatsConflictingToken(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "alice@example.com")
	bob := f.user("bob", "bob@example.com")

	creds := &Credentials{
		Session: f.savedSession(t, alice.ID),
		Bearer:  f.issue(t, bob.Identity()),
		Cookie:  f.issue(t, bob.Identity()),
	}
	res, err := f.resolver.Resolve(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity.ID)
	assert.Equal(t, SourceSession, res.Source)
	assert.False(t, res.Backfilled)
}

func TestResolveSessionReferenceWhenDatabaseDown(t *testing.T) {
	f := newFixture(t)
	f.users.err = fault.Transient(errors.New("connection refused"))

	res, err := f.resolver.Resolve(context.Background(), &Credentials{Session: f.savedSession(t, "alice")})
	require.NoError(t, err)
	assert.Equal(t, identity.Reference("alice"), res.Identity)
	assert.False(t, res.Fresh)
}

func TestResolveBearerBeatsCookie(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "alice@example.com")
	bob := f.user("bob", "bob@example.com")

	res, err := f.resolver.Resolve(context.Background(), &Credentials{
		Bearer: f.issue(t, alice.Identity()),
		Cookie: f.issue(t, bob.Identity()),
	})
	require.NoError(t, err)
	assert.Equal(t, SourceBearer, res.Source)
	assert.Equal(t, "alice", res.Identity.ID)
}

func TestResolveInvalidCredentialsFallThrough(t *testing.T) {
	f := newFixture(t)
	bob := f.user("bob", "bob@example.com")

	res, err := f.resolver.Resolve(context.Background(), &Credentials{
		Bearer: "not-a-token",
		Cookie: f.issue(t, bob.Identity()),
	})
	require.NoError(t, err)
	assert.Equal(t, SourceCookie, res.Source)
	assert.Equal(t, "bob", res.Identity.ID)
}

func TestResolveExpiredTokenFallsThrough(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-2 * time.Hour)
	old, err := token.NewCodec(token.Config{Secret: []byte("0123456789abcdef0123456789abcdef")},
		token.WithClock(func() time.Time { return past }))
	require.NoError(t, err)
	expired, err := old.IssueTTL(identity.Reference("alice"), time.Hour)
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), &Credentials{Bearer: expired})
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestResolveNoCredentials(t *testing.T) {
	f := newFixture(t)
	res, err := f.resolver.Resolve(context.Background(), &Credentials{})
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.Equal(t, SourceNone, res.Source)
	assert.False(t, res.Identity.Valid())
}

func TestResolveBackfillsAnonymousSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user("alice", "alice@example.com")
	anon := f.savedSession(t, "")

	creds := &Credentials{Session: anon, Bearer: f.issue(t, alice.Identity())}
	res, err := f.resolver.Resolve(ctx, creds)
	require.NoError(t, err)
	assert.True(t, res.Backfilled)
	assert.Equal(t, "alice", creds.Session.UserID)

	// Persisting is deferred to the spawned task.
	stored, ok := f.sessions.Load(ctx, anon.ID)
	require.True(t, ok)
	assert.Empty(t, stored.UserID)

	require.Len(t, f.spawned, 1)
	f.runSpawned()
	stored, ok = f.sessions.Load(ctx, anon.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", stored.UserID)
}

func TestResolveBackfillFailureDoesNotFailRequest(t *testing.T) {
	codec, err := token.NewCodec(token.Config{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	down := &failingBinder{}
	sessions := session.Open(context.Background(), down, session.WithScheduler(func(time.Duration, func()) {}))
	users := &fakeUsers{users: map[string]storage.User{"alice": {ID: "alice"}}}
	var spawned []func()
	r := NewResolver(codec, sessions, users, WithSpawn(func(fn func()) { spawned = append(spawned, fn) }))

	rec, err := session.NewRecord(time.Now(), time.Hour)
	require.NoError(t, err)
	tok, err := codec.Issue(identity.Reference("alice"))
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), &Credentials{Session: &rec, Bearer: tok})
	require.NoError(t, err)
	assert.True(t, res.Backfilled)
	require.Len(t, spawned, 1)
	assert.NotPanics(t, spawned[0])
}

func TestResolveMissingUserSessionRepairedFromToken(t *testing.T) {
	f := newFixture(t)
	bob := f.user("bob", "bob@example.com")
	stale := f.savedSession(t, "deleted-user")

	creds := &Credentials{Session: stale, Cookie: f.issue(t, bob.Identity())}
	res, err := f.resolver.Resolve(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Identity.ID)
	assert.True(t, res.Backfilled)
	assert.Equal(t, "bob", creds.Session.UserID)
}

type failingBinder struct{}

func (failingBinder) Bind(context.Context, session.Strategy) (session.Backend, error) {
	return nil, fault.Transient(errors.New("connection refused"))
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "session", SourceSession.String())
	assert.Equal(t, "bearer", SourceBearer.String())
	assert.Equal(t, "cookie", SourceCookie.String())
	assert.Equal(t, "none", SourceNone.String())
}
