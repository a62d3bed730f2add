package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/dashgate/fault"
	"github.com/jmcleod/dashgate/storage"
)

func TestCheckTokenOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user("alice", "alice@example.com")

	creds := &Credentials{Bearer: f.issue(t, alice.Identity())}
	res := f.resolver.Check(ctx, creds)
	require.True(t, res.IsValid, "reason: %v", res.Reason)
	assert.Equal(t, "alice", res.Identity.ID)
	assert.Equal(t, SourceBearer, res.Source)

	// A session is created and bound to the caller.
	require.NotNil(t, res.Session)
	assert.True(t, res.SessionValid)
	stored, ok := f.sessions.Load(ctx, res.Session.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", stored.UserID)

	got, err := f.codec.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, alice.Identity(), got)
}

func TestCheckReissuesFromDatabase(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "alice@example.com")
	stale := f.issue(t, alice.Identity())

	alice.FullName = "Alice Renamed"
	alice.IsVerified = true
	f.users.put(alice)

	res := f.resolver.Check(context.Background(), &Credentials{Bearer: stale})
	require.True(t, res.IsValid)
	assert.Equal(t, "Alice Renamed", res.Identity.FullName)

	got, err := f.codec.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "Alice Renamed", got.FullName)
	assert.True(t, got.IsVerified)
}

func TestCheckTouchesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user("alice", "alice@example.com")
	rec := f.savedSession(t, alice.ID)
	before := rec.ExpiresAt

	res := f.resolver.Check(ctx, &Credentials{Session: rec})
	require.True(t, res.IsValid)
	assert.True(t, res.SessionValid)
	assert.Equal(t, rec.ID, res.Session.ID)
	assert.True(t, res.Session.ExpiresAt.After(before))

	stored, ok := f.sessions.Load(ctx, rec.ID)
	require.True(t, ok)
	assert.WithinDuration(t, res.Session.ExpiresAt, stored.ExpiresAt, time.Second)
}

func TestCheckBackfillsSynchronously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user("alice", "alice@example.com")
	anon := f.savedSession(t, "")

	res := f.resolver.Check(ctx, &Credentials{Session: anon, Cookie: f.issue(t, alice.Identity())})
	require.True(t, res.IsValid)
	assert.Empty(t, f.spawned)

	stored, ok := f.sessions.Load(ctx, anon.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", stored.UserID)
}

func TestCheckIdempotent(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "alice@example.com")
	creds := &Credentials{Bearer: f.issue(t, alice.Identity())}

	first := f.resolver.Check(context.Background(), creds)
	second := f.resolver.Check(context.Background(), creds)
	require.True(t, first.IsValid)
	require.True(t, second.IsValid)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, first.Identity, second.Identity)
}

func TestCheckDeletedUser(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, storage.User{ID: "ghost", Email: "ghost@example.com"}.Identity())

	res := f.resolver.Check(context.Background(), &Credentials{Bearer: tok})
	assert.False(t, res.IsValid)
	assert.ErrorIs(t, res.Reason, ErrUserNotFound)
	assert.Empty(t, res.Token)
}

func TestCheckUnauthenticated(t *testing.T) {
	f := newFixture(t)
	res := f.resolver.Check(context.Background(), &Credentials{Bearer: "garbage"})
	assert.False(t, res.IsValid)
	assert.ErrorIs(t, res.Reason, ErrAuthenticationRequired)
	assert.Nil(t, res.Session)
}

func TestCheckDatabaseDown(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "alice@example.com")
	tok := f.issue(t, alice.Identity())
	f.users.err = fault.Transient(errors.New("connection refused"))

	t.Run("token claims reissued", func(t *testing.T) {
		res := f.resolver.Check(context.Background(), &Credentials{Bearer: tok})
		require.True(t, res.IsValid)
		assert.Equal(t, alice.Identity(), res.Identity)
	})

	t.Run("bare session reference", func(t *testing.T) {
		res := f.resolver.Check(context.Background(), &Credentials{Session: f.savedSession(t, "alice")})
		assert.False(t, res.IsValid)
		assert.Equal(t, fault.ActionUnavailable, fault.Classify(res.Reason))
	})
}

func TestCheckPersistsRepairedReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user("alice", "alice@example.com")
	anon := f.savedSession(t, "")

	res := f.resolver.Check(ctx, &Credentials{Session: anon, Bearer: f.issue(t, alice.Identity())})
	require.True(t, res.IsValid, "reason: %v", res.Reason)
	assert.True(t, res.SessionValid)
	assert.Empty(t, f.spawned, "the check saves inline")

	// The session alone now resolves to alice.
	stored, ok := f.sessions.Load(ctx, anon.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", stored.UserID)

	again := f.resolver.Check(ctx, &Credentials{Session: &stored})
	require.True(t, again.IsValid, "reason: %v", again.Reason)
	assert.Equal(t, SourceSession, again.Source)
	assert.Equal(t, "alice", again.Identity.ID)
}

func TestCheckRepairsReferenceToDeletedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user("alice", "alice@example.com")
	orphan := f.savedSession(t, "ghost")

	res := f.resolver.Check(ctx, &Credentials{Session: orphan, Cookie: f.issue(t, alice.Identity())})
	require.True(t, res.IsValid, "reason: %v", res.Reason)
	assert.Equal(t, SourceCookie, res.Source)
	assert.Equal(t, orphan.ID, res.Session.ID)
	assert.Equal(t, "alice", res.Session.UserID)

	stored, ok := f.sessions.Load(ctx, orphan.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", stored.UserID)
}
