package api

import (
	"net/http"
	"strings"
	"time"
)

// tokenCookieName carries the bearer token for clients that cannot set an
// Authorization header.
const tokenCookieName = "jwt"

// cookieMaxAge is the lifetime of both the session and the token cookie.
const cookieMaxAge = 30 * 24 * time.Hour

// CookiePolicy decides the attributes of every cookie the API sets.
// Production cookies are Secure, SameSite=None and scoped to Domain;
// development cookies are SameSite=Lax and host-only.
type CookiePolicy struct {
	SessionName string
	Domain      string
	Production  bool
}

func (p CookiePolicy) sessionName() string {
	if p.SessionName == "" {
		return "dashgate.sid"
	}
	return p.SessionName
}

func (p CookiePolicy) cookie(r *http.Request, name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   requestIsSecure(r),
	}
	if p.Production {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
		c.Domain = p.Domain
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
		c.Expires = time.Now().Add(maxAge)
	} else {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	}
	return c
}

// writeSession sets the session cookie. A request without a session record
// gets none.
func (p CookiePolicy) writeSession(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		return
	}
	http.SetCookie(w, p.cookie(r, p.sessionName(), id, cookieMaxAge))
}

func (p CookiePolicy) writeToken(w http.ResponseWriter, r *http.Request, tok string) {
	http.SetCookie(w, p.cookie(r, tokenCookieName, tok, cookieMaxAge))
}

func (p CookiePolicy) clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, p.cookie(r, p.sessionName(), "", 0))
	http.SetCookie(w, p.cookie(r, tokenCookieName, "", 0))
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
