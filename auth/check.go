package auth

import (
	"context"
	"errors"

	"github.com/jmcleod/dashgate/identity"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage"
)

// CheckResult is the outcome of the whoami check. When IsValid is false,
// Reason holds ErrAuthenticationRequired, ErrUserNotFound or a backend error
// and the other fields are zero.
type CheckResult struct {
	IsValid      bool
	SessionValid bool
	// Session is the request's session after it was touched or created.
	// It is nil when no session store is configured.
	Session  *session.Record
	Token    string
	Identity identity.Identity
	Source   Source
	Reason   error
}

// Check resolves the caller and then heals every carrier from the database:
// it issues a fresh token from the current user row, extends the session
// and writes the user reference into a session that lacks one. A request
// without a session gets a new one. Calling it repeatedly is safe.
func (r *Resolver) Check(ctx context.Context, creds *Credentials) CheckResult {
	res, err := r.resolve(ctx, creds)
	if err != nil {
		return CheckResult{Reason: err}
	}

	id := res.Identity
	if !res.Fresh {
		u, err := r.users.UserByID(ctx, id.ID)
		switch {
		case err == nil:
			id = u.Identity()
		case errors.Is(err, storage.ErrNotFound):
			r.log.Info("credential names missing user", "user_id", id.ID, "source", res.Source.String())
			return CheckResult{Reason: ErrUserNotFound}
		case id.Email == "":
			// A bare session reference cannot be turned into a token
			// without the database.
			return CheckResult{Reason: err}
		default:
			r.log.Warn("user lookup failed, reissuing from token claims", "user_id", id.ID, "error", err)
		}
	}

	tok, err := r.codec.Issue(id)
	if err != nil {
		r.log.Error("issuing token", "error", err)
		return CheckResult{Reason: err}
	}

	out := CheckResult{
		IsValid:  true,
		Token:    tok,
		Identity: id,
		Source:   res.Source,
	}
	if r.sessions == nil {
		return out
	}

	// A reference repaired during resolution exists only in memory; Touch
	// moves the expiry alone, so the record has to be saved.
	fresh := res.Backfilled
	if creds.Session == nil {
		rec, err := session.NewRecord(r.now(), r.sessionTTL)
		if err != nil {
			r.log.Error("creating session", "error", err)
			return out
		}
		creds.Session = &rec
		fresh = true
	}
	if creds.Session.UserID == "" {
		creds.Session.UserID = id.ID
		fresh = true
	}

	if fresh {
		creds.Session.ExpiresAt = r.now().Add(r.sessionTTL)
		if err := r.sessions.Save(ctx, *creds.Session); err != nil {
			r.log.Warn("session not persisted during check", "error", err)
		} else {
			out.SessionValid = true
		}
	} else {
		touched := r.sessions.Touch(ctx, *creds.Session, r.sessionTTL)
		*creds.Session = touched
		out.SessionValid = true
	}
	out.Session = creds.Session
	return out
}
