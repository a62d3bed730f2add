package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/dashgate/api"
	"github.com/jmcleod/dashgate/internal/util"
	"github.com/jmcleod/dashgate/profile"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage/memory"
	"github.com/jmcleod/dashgate/token"
)

const password = "correct horse battery"

type server struct {
	*httptest.Server
	repo     *memory.Repository
	sessions *session.Adapter
}

type serverConfig struct {
	binder  session.Binder
	options []api.Option
	// noSessions builds the API without a session adapter.
	noSessions bool
}

func setupServer(t *testing.T, cfg serverConfig) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.NewRepository()
	codec, err := token.NewCodec(token.Config{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	sessions := session.Open(context.Background(), cfg.binder, session.WithLogger(logger))
	t.Cleanup(func() { sessions.Close() })

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithPasswordParams(util.Argon2idParams{Time: 1, MemoryKiB: util.MinArgon2MemoryKiB, Parallelism: 1, KeyLen: 32}),
		api.WithSpawn(func(fn func()) { fn() }),
	}
	adapter := sessions
	if cfg.noSessions {
		adapter = nil
	}
	a := api.New(repo, codec, adapter, append(opts, cfg.options...)...)
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{Server: srv, repo: repo, sessions: sessions}
}

func redisBinder(t *testing.T) *session.RedisBinder {
	t.Helper()
	mr := miniredis.RunT(t)
	return &session.RedisBinder{Options: &redis.Options{Addr: mr.Addr()}}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers ...string) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Add(headers[i], headers[i+1])
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func register(t *testing.T, client *http.Client, baseURL, email string) api.AuthResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/auth/register", api.RegisterRequest{
		Email:    email,
		Password: password,
		FullName: "Test User",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.AuthResponse](t, resp)
}

func login(t *testing.T, client *http.Client, baseURL, email string) api.AuthResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/auth/login", api.LoginRequest{
		Email:    email,
		Password: password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.AuthResponse](t, resp)
}

func cookieNamed(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginThenCheckWithTokenOnly(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	reg := register(t, newClient(t), srv.URL, "ada@example.com")
	require.NotNil(t, reg.User)

	res := login(t, newClient(t), srv.URL, "Ada@Example.com")
	assert.True(t, res.Success)
	require.NotEmpty(t, res.Token)
	assert.Equal(t, reg.User.ID, res.User.ID)
	assert.Equal(t, api.SessionNonFunctional, res.SessionStatus)

	// A bare client with no cookie jar: only the bearer token identifies it.
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/auth/check", nil,
		"Authorization", "Bearer "+res.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	check := decode[api.CheckResponse](t, resp)
	assert.True(t, check.IsValid)
	require.NotNil(t, check.User)
	assert.Equal(t, reg.User.ID, check.User.ID)
	assert.NotEmpty(t, check.Token)
	assert.NotEmpty(t, check.SessionID, "check starts a session for token-only callers")
}

func TestLoginWrongPassword(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	register(t, newClient(t), srv.URL, "ada@example.com")

	for _, body := range []api.LoginRequest{
		{Email: "ada@example.com", Password: "wrong password"},
		{Email: "nobody@example.com", Password: password},
	} {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Empty(t, resp.Cookies(), "failed login must not set cookies")
		out := decode[api.AuthResponse](t, resp)
		assert.False(t, out.Success)
		assert.Empty(t, out.Token)
		assert.Equal(t, "invalid email or password", out.Error)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	first := register(t, newClient(t), srv.URL, "ada@example.com")

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/auth/register", api.RegisterRequest{
		Email:    "ADA@example.com",
		Password: "another password",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := decode[api.AuthResponse](t, resp)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "already exists")

	u, err := srv.repo.UserByEmail(t.Context(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, u.ID, "the original account is untouched")
}

func TestRegisterValidation(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	for name, body := range map[string]any{
		"bad email":      api.RegisterRequest{Email: "not-an-email", Password: password},
		"short password": api.RegisterRequest{Email: "ada@example.com", Password: "short"},
		"unknown field":  map[string]string{"email": "ada@example.com", "password": password, "role": "admin"},
	} {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestLoginWithDurableSessionStore(t *testing.T) {
	srv := setupServer(t, serverConfig{binder: redisBinder(t)})
	require.Equal(t, session.TierPrimary, srv.sessions.State().Tier)
	register(t, newClient(t), srv.URL, "ada@example.com")

	client := newClient(t)
	res := login(t, client, srv.URL, "ada@example.com")
	assert.Equal(t, api.SessionActive, res.SessionStatus)
	require.NotEmpty(t, res.SessionID)

	rec, ok := srv.sessions.Load(t.Context(), res.SessionID)
	require.True(t, ok)
	assert.Equal(t, res.User.ID, rec.UserID)

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	check := decode[api.CheckResponse](t, resp)
	assert.True(t, check.IsValid)
	assert.True(t, check.SessionValid)
	assert.Equal(t, res.SessionID, check.SessionID)
}

func TestCheckUnauthenticated(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/auth/check", nil,
		"Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	out := decode[api.CheckResponse](t, resp)
	assert.False(t, out.IsValid)
	assert.Equal(t, "authentication required", out.Error)
}

func TestSessionReferenceWinsOverBearer(t *testing.T) {
	srv := setupServer(t, serverConfig{binder: redisBinder(t)})
	register(t, newClient(t), srv.URL, "ada@example.com")
	register(t, newClient(t), srv.URL, "bob@example.com")

	client := newClient(t)
	ada := login(t, client, srv.URL, "ada@example.com")
	bob := login(t, newClient(t), srv.URL, "bob@example.com")

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/check", nil,
		"Authorization", "Bearer "+bob.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	check := decode[api.CheckResponse](t, resp)
	assert.Equal(t, ada.User.ID, check.User.ID)
}

func TestLogoutIsIdempotent(t *testing.T) {
	srv := setupServer(t, serverConfig{binder: redisBinder(t)})
	register(t, newClient(t), srv.URL, "ada@example.com")
	res := login(t, newClient(t), srv.URL, "ada@example.com")

	for i := 0; i < 2; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/logout", nil,
			"Authorization", "Bearer "+res.Token,
			"Cookie", "dashgate.sid="+res.SessionID)
		require.Equal(t, http.StatusOK, resp.StatusCode, "attempt %d", i+1)
		sid := cookieNamed(resp, "dashgate.sid")
		require.NotNil(t, sid)
		assert.Negative(t, sid.MaxAge)
	}
	_, ok := srv.sessions.Load(t.Context(), res.SessionID)
	assert.False(t, ok)

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/logout", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProductionCookies(t *testing.T) {
	srv := setupServer(t, serverConfig{options: []api.Option{
		api.WithCookiePolicy(api.CookiePolicy{SessionName: "dash.sid", Domain: "example.com", Production: true}),
	}})
	register(t, newClient(t), srv.URL, "ada@example.com")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/login", api.LoginRequest{
		Email: "ada@example.com", Password: password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, name := range []string{"dash.sid", "jwt"} {
		c := cookieNamed(resp, name)
		require.NotNil(t, c, name)
		assert.True(t, c.HttpOnly, name)
		assert.True(t, c.Secure, name)
		assert.Equal(t, http.SameSiteNoneMode, c.SameSite, name)
		assert.Equal(t, "example.com", c.Domain, name)
		assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), c.MaxAge, name)
	}
}

func TestDevelopmentCookies(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	register(t, newClient(t), srv.URL, "ada@example.com")
	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/login", api.LoginRequest{
		Email: "ada@example.com", Password: password,
	})
	c := cookieNamed(resp, "dashgate.sid")
	require.NotNil(t, c)
	assert.False(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Empty(t, c.Domain)
}

func TestLoginWithoutSessionAdapter(t *testing.T) {
	srv := setupServer(t, serverConfig{noSessions: true})
	steps := []struct {
		path string
		body any
	}{
		{"/api/auth/register", api.RegisterRequest{Email: "ada@example.com", Password: password, FullName: "Ada"}},
		{"/api/auth/login", api.LoginRequest{Email: "ada@example.com", Password: password}},
	}
	for _, step := range steps {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+step.path, step.body)
		require.Less(t, resp.StatusCode, 300, step.path)
		assert.Nil(t, cookieNamed(resp, "dashgate.sid"), "%s sets no empty session cookie", step.path)
		require.NotNil(t, cookieNamed(resp, "jwt"), step.path)

		res := decode[api.AuthResponse](t, resp)
		assert.NotEmpty(t, res.Token)
		assert.Empty(t, res.SessionID)
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	register(t, newClient(t), srv.URL, "ada@example.com")

	bad := api.LoginRequest{Email: "ada@example.com", Password: "wrong password"}
	for i := 0; i < 5; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/login", bad)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/auth/login", api.LoginRequest{
		Email: "ada@example.com", Password: password,
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSessionStoreOutageStillLogsIn(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := setupServer(t, serverConfig{binder: &session.RedisBinder{Options: &redis.Options{Addr: mr.Addr()}}})
	register(t, newClient(t), srv.URL, "ada@example.com")

	mr.Close()
	client := newClient(t)
	res := login(t, client, srv.URL, "ada@example.com")
	assert.Contains(t, []api.SessionStatus{api.SessionErrorSaving, api.SessionUnavailable}, res.SessionStatus)
	assert.NotEmpty(t, res.Token)
	assert.False(t, srv.sessions.State().Connected)

	// The request pipeline keeps working on the token cookie.
	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[api.CheckResponse](t, resp).IsValid)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/health", nil)
	health := decode[api.HealthResponse](t, resp)
	assert.False(t, health.SessionStore.Connected)
	assert.False(t, health.SessionStore.Durable)
}

func TestBookmarksCRUD(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	client := newClient(t)
	register(t, client, srv.URL, "ada@example.com")
	base := srv.URL + "/api/bookmarks"

	resp := doJSON(t, client, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListBookmarksResponse](t, resp)
	require.Len(t, list.Bookmarks, 1, "registration seeds a starter bookmark")
	assert.Equal(t, 1, list.TotalCount)

	resp = doJSON(t, client, http.MethodPost, base, api.BookmarkRequest{Title: "Go", URL: "https://go.dev"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	resp = doJSON(t, client, http.MethodPost, base, api.BookmarkRequest{Title: "bad", URL: "ftp://example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPut, base+"/"+id, api.BookmarkRequest{Title: "Go dev", URL: "https://go.dev/doc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, client, http.MethodGet, base+"/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Go dev", decode[map[string]any](t, resp)["title"])

	// Another user cannot see it.
	other := newClient(t)
	register(t, other, srv.URL, "bob@example.com")
	resp = doJSON(t, other, http.MethodGet, base+"/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, client, http.MethodDelete, base+"/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, client, http.MethodGet, base+"/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNotesPinnedFirst(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	client := newClient(t)
	register(t, client, srv.URL, "ada@example.com")
	base := srv.URL + "/api/notes"

	for i := 0; i < 3; i++ {
		resp := doJSON(t, client, http.MethodPost, base, api.NoteRequest{Title: fmt.Sprintf("note %d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := doJSON(t, client, http.MethodGet, base+"?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListNotesResponse](t, resp)
	require.Len(t, list.Notes, 2)
	assert.True(t, list.Notes[0].Pinned, "the seeded welcome note is pinned")
	assert.Equal(t, 4, list.TotalCount)
	assert.True(t, list.HasMore)

	resp = doJSON(t, client, http.MethodPost, base, api.NoteRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProfileLinksAndRemote(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/gopher":
			fmt.Fprint(w, `{"name":"Gopher"}`)
		case "/users/gopher/tweets":
			fmt.Fprint(w, `[]`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)
	profiles, err := profile.NewService(profile.NewHTTPFetcher(upstream.URL, "", time.Second))
	require.NoError(t, err)

	srv := setupServer(t, serverConfig{options: []api.Option{api.WithProfiles(profiles)}})
	client := newClient(t)
	register(t, client, srv.URL, "ada@example.com")
	base := srv.URL + "/api/profiles"

	link := api.ProfileLinkRequest{Platform: "twitter", Username: "@Gopher"}
	resp := doJSON(t, client, http.MethodPost, base, link)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = doJSON(t, client, http.MethodPost, base, link)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, client, http.MethodGet, base, nil)
	links := decode[api.ListProfileLinksResponse](t, resp)
	require.Len(t, links.Profiles, 1)
	assert.Equal(t, "gopher", links.Profiles[0].Username)

	resp = doJSON(t, client, http.MethodGet, base+"/remote/Gopher", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	remote := decode[profile.Result](t, resp)
	assert.JSONEq(t, `{"name":"Gopher"}`, string(remote.Payload))

	resp = doJSON(t, client, http.MethodGet, base+"/remote/gopher", nil)
	assert.True(t, decode[profile.Result](t, resp).Cached)

	resp = doJSON(t, client, http.MethodGet, base+"/remote/gopher/tweets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, client, http.MethodGet, base+"/remote/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, client, http.MethodDelete, base+"/"+links.Profiles[0].ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoteProfileNotConfigured(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	client := newClient(t)
	register(t, client, srv.URL, "ada@example.com")
	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/profiles/remote/gopher", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := setupServer(t, serverConfig{})
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	health := decode[api.HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Equal(t, "ephemeral", health.SessionStore.Tier)
	assert.True(t, health.SessionStore.Connected)
	assert.False(t, health.SessionStore.Durable)
}
