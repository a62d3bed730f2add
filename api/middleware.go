package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/jmcleod/dashgate/auth"
	"github.com/jmcleod/dashgate/fault"
	"github.com/jmcleod/dashgate/identity"
)

type contextKey int

const requestAuthKey contextKey = iota

// requestAuth is what Authenticate learned about the caller.
type requestAuth struct {
	creds  *auth.Credentials
	result auth.Result
	err    error
}

// Authenticate attaches the request's session (if its cookie names a live
// one) and the resolved caller to the request context. It never rejects a
// request; RequireIdentity does that.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := a.credentialsFromRequest(r)
		res, err := a.resolver.Resolve(r.Context(), creds)
		a.metrics.observeResolution(res.Source, err)
		ctx := context.WithValue(r.Context(), requestAuthKey, &requestAuth{
			creds:  creds,
			result: res,
			err:    err,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireIdentity rejects requests Authenticate could not resolve.
func (a *API) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identityFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, auth.ErrAuthenticationRequired.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) credentialsFromRequest(r *http.Request) *auth.Credentials {
	creds := &auth.Credentials{
		Bearer: bearerToken(r),
		Cookie: cookieValue(r, tokenCookieName),
	}
	if sid := cookieValue(r, a.cookies.sessionName()); sid != "" && a.sessions != nil {
		if rec, ok := a.sessions.Load(r.Context(), sid); ok {
			creds.Session = &rec
		}
	}
	return creds
}

func requestAuthFromContext(ctx context.Context) *requestAuth {
	ra, _ := ctx.Value(requestAuthKey).(*requestAuth)
	return ra
}

func identityFromContext(ctx context.Context) (identity.Identity, bool) {
	ra := requestAuthFromContext(ctx)
	if ra == nil || ra.err != nil || !ra.result.Identity.Valid() {
		return identity.Identity{}, false
	}
	return ra.result.Identity, true
}

// credentialsFromContext returns the carriers Authenticate collected, or
// empty credentials when the middleware did not run.
func credentialsFromContext(ctx context.Context) *auth.Credentials {
	if ra := requestAuthFromContext(ctx); ra != nil {
		return ra.creds
	}
	return &auth.Credentials{}
}

// Recoverer turns a panic into a structured error response. Panics carrying
// an error are classified so that a transient backend failure surfaces as
// 503 rather than 500.
func (a *API) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			err, ok := p.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", p)
			}
			switch fault.Classify(err) {
			case fault.ActionUnavailable:
				a.logger.Warn("request aborted by backend failure", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusServiceUnavailable, fault.Redact(err, a.debug))
			default:
				a.logger.Error("request panicked", "path", r.URL.Path, "error", err,
					"stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, fault.Redact(err, a.debug))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
