// Package auth resolves the caller of a request from its server session,
// bearer header and token cookie, and implements the whoami check that keeps
// the three consistent.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/dashgate/identity"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage"
	"github.com/jmcleod/dashgate/token"
)

var (
	// ErrAuthenticationRequired means no carrier produced an identity.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrUserNotFound means a credential named a user that no longer exists.
	ErrUserNotFound = errors.New("user not found")
)

// backfillTimeout bounds the detached session write after lazy repair.
const backfillTimeout = 5 * time.Second

// Source names the carrier that produced an identity.
type Source int

const (
	SourceNone Source = iota
	SourceSession
	SourceBearer
	SourceCookie
)

func (s Source) String() string {
	switch s {
	case SourceSession:
		return "session"
	case SourceBearer:
		return "bearer"
	case SourceCookie:
		return "cookie"
	default:
		return "none"
	}
}

// Credentials are the carriers attached to one request. Session is nil when
// the request has no live server session.
type Credentials struct {
	Session *session.Record
	Bearer  string
	Cookie  string
}

// UserLookup reads users from the source of truth.
type UserLookup interface {
	UserByID(ctx context.Context, id string) (storage.User, error)
}

// Result is a resolved caller.
type Result struct {
	Identity identity.Identity
	Source   Source
	// Fresh is set when Identity was read from the database during
	// resolution rather than taken from token claims or a bare reference.
	Fresh bool
	// Backfilled is set when the session lacked a user reference and was
	// repaired from a token.
	Backfilled bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.log = logger
	}
}

// WithSpawn overrides how fire-and-forget work is started. The default runs
// fn on a new goroutine.
func WithSpawn(spawn func(fn func())) Option {
	return func(r *Resolver) {
		r.spawn = spawn
	}
}

// WithSessionTTL sets how far Check extends a session. Defaults to
// session.DefaultTTL.
func WithSessionTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.sessionTTL = ttl
	}
}

// WithClock overrides the time source used for new session records.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// Resolver determines who is calling. Its collaborators are passed in
// explicitly; it reads no process-wide state.
type Resolver struct {
	codec      *token.Codec
	sessions   *session.Adapter
	users      UserLookup
	log        *slog.Logger
	spawn      func(func())
	sessionTTL time.Duration
	now        func() time.Time
}

// NewResolver returns a Resolver. sessions may be nil, in which case
// session carriers are ignored and nothing is backfilled.
func NewResolver(codec *token.Codec, sessions *session.Adapter, users UserLookup, opts ...Option) *Resolver {
	r := &Resolver{
		codec:      codec,
		sessions:   sessions,
		users:      users,
		log:        slog.Default(),
		spawn:      func(fn func()) { go fn() },
		sessionTTL: session.DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "auth")
	return r
}

// Resolve evaluates the carriers in strict precedence: a session user
// reference, then the bearer header, then the token cookie. The first one
// that yields an identity wins; invalid carriers are logged and skipped.
//
// A session that exists without a user reference is repaired from the
// winning token and persisted in the background. creds.Session is updated
// in place so the rest of the request sees the repaired record.
func (r *Resolver) Resolve(ctx context.Context, creds *Credentials) (Result, error) {
	res, err := r.resolve(ctx, creds)
	if err == nil && res.Backfilled {
		r.persistAsync(ctx, *creds.Session)
	}
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, creds *Credentials) (Result, error) {
	if res, ok := r.fromSession(ctx, creds); ok {
		return res, nil
	}

	for _, carrier := range []struct {
		source Source
		tok    string
	}{
		{SourceBearer, creds.Bearer},
		{SourceCookie, creds.Cookie},
	} {
		if carrier.tok == "" {
			continue
		}
		id, err := r.codec.Verify(carrier.tok)
		if err != nil {
			r.log.Info("ignoring invalid credential", "source", carrier.source.String(), "error", err)
			continue
		}
		res := Result{Identity: id, Source: carrier.source}
		if creds.Session != nil && creds.Session.UserID == "" {
			creds.Session.UserID = id.ID
			res.Backfilled = true
		}
		return res, nil
	}

	return Result{}, ErrAuthenticationRequired
}

// fromSession resolves step one. A reference to a deleted user is dropped
// from the in-request record so a token can repair it.
func (r *Resolver) fromSession(ctx context.Context, creds *Credentials) (Result, bool) {
	if creds.Session == nil || creds.Session.UserID == "" {
		return Result{}, false
	}
	ref := creds.Session.UserID
	u, err := r.users.UserByID(ctx, ref)
	switch {
	case err == nil:
		return Result{Identity: u.Identity(), Source: SourceSession, Fresh: true}, true
	case errors.Is(err, storage.ErrNotFound):
		r.log.Warn("session references missing user", "user_id", ref)
		creds.Session.UserID = ""
		return Result{}, false
	default:
		r.log.Warn("user lookup failed, using session reference", "user_id", ref, "error", err)
		return Result{Identity: identity.Reference(ref), Source: SourceSession}, true
	}
}

func (r *Resolver) persistAsync(ctx context.Context, rec session.Record) {
	if r.sessions == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	r.spawn(func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("session backfill panicked", "panic", fmt.Sprint(p))
			}
		}()
		ctx, cancel := context.WithTimeout(detached, backfillTimeout)
		defer cancel()
		if err := r.sessions.Save(ctx, rec); err != nil {
			r.log.Warn("session backfill not persisted", "error", err)
		}
	})
}
