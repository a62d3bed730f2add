// Package api serves the dashboard REST API: the auth endpoints that issue
// and reconcile session cookies and bearer tokens, the bookmark, note and
// profile resources, and health.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/dashgate/auth"
	"github.com/jmcleod/dashgate/internal/util"
	"github.com/jmcleod/dashgate/profile"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage"
	"github.com/jmcleod/dashgate/token"
)

// healthTimeout bounds the database ping behind GET /health.
const healthTimeout = 2 * time.Second

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo     storage.Repository
	codec    *token.Codec
	sessions *session.Adapter
	resolver *auth.Resolver
	profiles *profile.Service

	cookies        CookiePolicy
	limits         *limiters
	audit          *auditLogger
	logger         *slog.Logger
	metrics        *Metrics
	alertFn        AlertFunc
	mailer         Mailer
	trustedProxies []netip.Prefix
	debug          bool
	hashParams     util.Argon2idParams
	sessionTTL     time.Duration
	now            func() time.Time
	spawn          func(func())
}

//go:embed openapi.yaml
var openapiDoc []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithCookiePolicy sets the session cookie name and production attributes.
func WithCookiePolicy(p CookiePolicy) Option {
	return func(a *API) {
		a.cookies = p
	}
}

// WithTrustedProxies sets the proxies whose forwarding headers are honored
// when determining the client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithDebug exposes internal error detail in responses.
func WithDebug(debug bool) Option {
	return func(a *API) {
		a.debug = debug
	}
}

// WithMetrics sets the Prometheus collectors. Without it no metrics are
// recorded.
func WithMetrics(m *Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithAlertFunc registers a callback for login failure spikes and bursts of
// non-durable sessions.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithMailer sets the outbound mailer. Defaults to a LogMailer.
func WithMailer(m Mailer) Option {
	return func(a *API) {
		a.mailer = m
	}
}

// WithProfiles enables the third-party profile proxy routes.
func WithProfiles(s *profile.Service) Option {
	return func(a *API) {
		a.profiles = s
	}
}

// WithPasswordParams overrides the argon2id cost used for new passwords.
func WithPasswordParams(p util.Argon2idParams) Option {
	return func(a *API) {
		a.hashParams = p
	}
}

// WithSessionTTL sets the server session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *API) {
		a.sessionTTL = ttl
	}
}

// WithSpawn overrides how fire-and-forget work (welcome mail, session
// backfill) is started.
func WithSpawn(spawn func(fn func())) Option {
	return func(a *API) {
		a.spawn = spawn
	}
}

// New creates a new API instance. sessions may be nil, in which case every
// identity comes from a token.
func New(repo storage.Repository, codec *token.Codec, sessions *session.Adapter, opts ...Option) *API {
	a := &API{
		repo:       repo,
		codec:      codec,
		sessions:   sessions,
		limits:     newLimiters(),
		hashParams: util.DefaultArgon2idParams(),
		sessionTTL: session.DefaultTTL,
		now:        time.Now,
		spawn:      func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.mailer == nil {
		a.mailer = NewLogMailer(a.logger)
	}
	a.audit = newAuditLogger(a.logger)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn, a.now)
	}
	a.resolver = auth.NewResolver(codec, sessions, repo,
		auth.WithLogger(a.logger),
		auth.WithSpawn(a.spawn),
		auth.WithSessionTTL(a.sessionTTL),
		auth.WithClock(a.now),
	)
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.Recoverer)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDoc)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Get("/health", a.Health)

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Get("/auth/check", a.Check)

	r.Group(func(r chi.Router) {
		r.Use(a.Authenticate)
		r.Use(a.RequireIdentity)

		r.Post("/auth/logout", a.Logout)

		r.Get("/bookmarks", a.ListBookmarks)
		r.Post("/bookmarks", a.CreateBookmark)
		r.Get("/bookmarks/{id}", a.GetBookmark)
		r.Put("/bookmarks/{id}", a.UpdateBookmark)
		r.Delete("/bookmarks/{id}", a.DeleteBookmark)

		r.Get("/notes", a.ListNotes)
		r.Post("/notes", a.CreateNote)
		r.Get("/notes/{id}", a.GetNote)
		r.Put("/notes/{id}", a.UpdateNote)
		r.Delete("/notes/{id}", a.DeleteNote)

		r.Get("/profiles", a.ListProfileLinks)
		r.Post("/profiles", a.CreateProfileLink)
		r.Delete("/profiles/{id}", a.DeleteProfileLink)
		r.Get("/profiles/remote/{username}", a.RemoteProfile)
		r.Get("/profiles/remote/{username}/tweets", a.RemoteTweets)
	})

	return r
}

// RunMaintenance sweeps expired rate-limit state until ctx is done.
func (a *API) RunMaintenance(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limits.sweep()
		}
	}
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := a.repo.Ping(ctx); err != nil {
		a.logger.Warn("health: database unreachable", "error", err)
		resp.Status = "degraded"
		resp.Database = "error"
	}
	if a.sessions != nil {
		resp.SessionStore = sessionStoreStatus(a.sessions.State())
	} else {
		resp.SessionStore = SessionStoreStatus{Tier: "none"}
	}
	status := http.StatusOK
	if resp.Database != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
