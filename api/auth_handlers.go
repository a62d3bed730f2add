package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/jmcleod/dashgate/auth"
	"github.com/jmcleod/dashgate/fault"
	"github.com/jmcleod/dashgate/internal/util"
	"github.com/jmcleod/dashgate/internal/uuid"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 256
	maxNameLen     = 100

	invalidLogin = "invalid email or password"
)

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	// Rate-limit registration before any expensive work.
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.limits.registerGlobal.check(); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}
	if blocked, retryAfter := a.limits.registerIP.check(clientIP); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := util.Normalize(req.FullName)
	if utf8.RuneCountInString(name) > maxNameLen {
		writeAuthError(w, http.StatusBadRequest, fmt.Sprintf("full name must be at most %d characters", maxNameLen))
		return
	}

	// Record the request against both limiters before hashing.
	a.limits.registerIP.record(clientIP)
	a.limits.registerGlobal.record()

	hash, err := util.HashPassword(req.Password, a.hashParams)
	if err != nil {
		a.logger.Error("hashing password", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	now := a.now().UTC()
	u := storage.User{
		ID:           uuid.New(),
		Email:        email,
		FullName:     name,
		PasswordHash: hash,
		Tier:         storage.DefaultTier,
		CreatedAt:    now,
	}
	if err := a.repo.CreateUser(r.Context(), u, storage.DefaultsFor(u, now)); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeAuthError(w, http.StatusBadRequest, "an account with this email already exists")
			return
		}
		a.writeAuthBackendError(w, "register", err)
		return
	}

	id := u.Identity()
	tok, err := a.codec.Issue(id)
	if err != nil {
		a.logger.Error("issuing token", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "account created but sign-in failed; please log in")
		return
	}
	rec, status := a.startSession(r, u.ID)
	if status != SessionError && rec.ID != "" {
		a.cookies.writeSession(w, r, rec.ID)
	}
	a.cookies.writeToken(w, r, tok)

	a.sendAsync(r.Context(), welcomeMessage(u.Email, u.FullName))
	a.audit.logEvent(AuditRegister, r, u.ID, slog.String("session_status", string(status)))
	writeJSON(w, http.StatusCreated, AuthResponse{
		Success:       true,
		Message:       "account created",
		User:          &id,
		Token:         tok,
		SessionStatus: status,
		SessionID:     sessionIDFor(rec, status),
	})
}

// Login handles POST /auth/login. A failed login sets no cookies.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeAuthError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	accountID := accountKey(req.Email)
	clientIP := a.extractClientIP(r)

	// Check rate limits before any expensive work: global, then IP, then
	// per-account.
	if blocked, retryAfter := a.limits.loginGlobal.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}
	if blocked, retryAfter := a.limits.loginIP.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}
	if blocked, retryAfter := a.limits.loginAccount.check(accountID); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "rate limited",
			slog.String("account_id", accountID))
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}

	fail := func(reason string) {
		a.limits.loginGlobal.record()
		a.limits.loginIP.record(clientIP)
		a.limits.loginAccount.record(accountID)
		a.audit.logFailure(AuditLoginFailure, r, reason, slog.String("account_id", accountID))
		a.metrics.observeLogin("failure", "")
		writeAuthError(w, http.StatusUnauthorized, invalidLogin)
	}

	u, err := a.repo.UserByEmail(r.Context(), util.NormalizeEmail(req.Email))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fail("unknown email")
		return
	case err != nil:
		a.writeAuthBackendError(w, "login", err)
		return
	}
	match, err := util.VerifyPassword(req.Password, u.PasswordHash)
	if err != nil {
		a.logger.Error("stored password hash unusable", "user_id", u.ID, "error", err)
		fail("unusable password hash")
		return
	}
	if !match {
		fail("wrong password")
		return
	}

	a.limits.loginAccount.reset(accountID)
	a.limits.loginIP.reset(clientIP)

	id := u.Identity()
	tok, err := a.codec.Issue(id)
	if err != nil {
		a.logger.Error("issuing token", "error", err)
		writeAuthError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}

	// Never reuse a session id presented before authentication.
	if sid := cookieValue(r, a.cookies.sessionName()); sid != "" && a.sessions != nil {
		if err := a.sessions.Destroy(r.Context(), sid); err != nil {
			a.logger.Warn("previous session not destroyed", "error", err)
		}
	}
	rec, status := a.startSession(r, u.ID)
	if status != SessionError && rec.ID != "" {
		a.cookies.writeSession(w, r, rec.ID)
	}
	a.cookies.writeToken(w, r, tok)

	a.metrics.observeLogin("success", status)
	a.audit.logEvent(AuditLoginSuccess, r, u.ID, slog.String("session_status", string(status)))
	writeJSON(w, http.StatusOK, AuthResponse{
		Success:       true,
		Message:       "login successful",
		User:          &id,
		Token:         tok,
		SessionStatus: status,
		SessionID:     sessionIDFor(rec, status),
	})
}

// Logout handles POST /auth/logout. The session is destroyed and cookies
// cleared; repeating the call succeeds.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	creds := credentialsFromContext(r.Context())

	sid := cookieValue(r, a.cookies.sessionName())
	if creds.Session != nil {
		sid = creds.Session.ID
	}
	if sid != "" && a.sessions != nil {
		if err := a.sessions.Destroy(r.Context(), sid); err != nil {
			// The cookie is cleared regardless; the record expires on its own.
			a.logger.Warn("session not destroyed", "error", err)
		}
	}
	a.cookies.clear(w, r)
	a.audit.logEvent(AuditLogout, r, id.ID)
	writeJSON(w, http.StatusOK, AuthResponse{Success: true, Message: "logged out"})
}

// Check handles GET /auth/check: it resolves the caller, then refreshes the
// token from the database, extends the session and repairs a session that
// lacks a user reference.
func (a *API) Check(w http.ResponseWriter, r *http.Request) {
	creds := a.credentialsFromRequest(r)
	res := a.resolver.Check(r.Context(), creds)
	a.metrics.observeResolution(res.Source, res.Reason)

	if !res.IsValid {
		status := http.StatusInternalServerError
		msg := fault.Redact(res.Reason, a.debug)
		switch {
		case errors.Is(res.Reason, auth.ErrAuthenticationRequired):
			status, msg = http.StatusUnauthorized, res.Reason.Error()
		case errors.Is(res.Reason, auth.ErrUserNotFound):
			status, msg = http.StatusNotFound, res.Reason.Error()
			a.cookies.clear(w, r)
		case fault.IsTransient(res.Reason):
			status = http.StatusServiceUnavailable
		}
		if status >= http.StatusInternalServerError {
			a.logger.Warn("auth check failed", "error", res.Reason)
		}
		a.audit.logFailure(AuditCheckFailed, r, msg)
		writeJSON(w, status, CheckResponse{IsValid: false, Error: msg})
		return
	}

	out := CheckResponse{
		IsValid:      true,
		SessionValid: res.SessionValid,
		Token:        res.Token,
		User:         &res.Identity,
	}
	if res.Session != nil {
		out.SessionID = res.Session.ID
		a.cookies.writeSession(w, r, res.Session.ID)
	}
	a.cookies.writeToken(w, r, res.Token)
	writeJSON(w, http.StatusOK, out)
}

// startSession creates and persists a session for userID and reports how
// durable the result is.
func (a *API) startSession(r *http.Request, userID string) (session.Record, SessionStatus) {
	if a.sessions == nil {
		return session.Record{}, SessionNonFunctional
	}
	rec, err := session.NewRecord(a.now(), a.sessionTTL)
	if err != nil {
		a.logger.Error("creating session", "error", err)
		return session.Record{}, SessionError
	}
	rec.UserID = userID

	status := a.saveSession(r.Context(), rec)
	if status != SessionActive {
		a.audit.logEvent(AuditSessionDegraded, r, userID, slog.String("session_status", string(status)))
	}
	return rec, status
}

func (a *API) saveSession(ctx context.Context, rec session.Record) (status SessionStatus) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("session save panicked", "panic", fmt.Sprint(p))
			status = SessionError
		}
	}()
	err := a.sessions.Save(ctx, rec)
	state := a.sessions.State()
	switch {
	case state.Tier == session.TierEphemeral:
		return SessionNonFunctional
	case err == nil:
		return SessionActive
	case errors.Is(err, session.ErrStoreDisconnected):
		return SessionUnavailable
	default:
		a.logger.Warn("session not persisted", "error", err)
		return SessionErrorSaving
	}
}

func sessionIDFor(rec session.Record, status SessionStatus) string {
	if status == SessionError {
		return ""
	}
	return rec.ID
}

// writeAuthBackendError reports a store failure on an auth route in the
// auth response shape.
func (a *API) writeAuthBackendError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	if fault.IsTransient(err) {
		status = http.StatusServiceUnavailable
		a.logger.Warn(op+": backend unavailable", "error", err)
	} else {
		a.logger.Error(op+": backend failure", "error", err)
	}
	writeAuthError(w, status, fault.Redact(err, a.debug))
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, AuthResponse{Success: false, Error: msg})
}

func validateEmail(raw string) (string, error) {
	email := util.NormalizeEmail(raw)
	if email == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndexByte(email, '@')+1:], ".") {
		return "", errors.New("email address is invalid")
	}
	return email, nil
}

func validatePassword(pw string) error {
	switch n := utf8.RuneCountInString(pw); {
	case n < minPasswordLen:
		return fmt.Errorf("password must be at least %d characters", minPasswordLen)
	case n > maxPasswordLen:
		return fmt.Errorf("password must be at most %d characters", maxPasswordLen)
	}
	return nil
}
