package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/dashgate/api"
	"github.com/jmcleod/dashgate/profile"
	"github.com/jmcleod/dashgate/session"
)

const maintenanceInterval = time.Minute

var (
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "Address to listen on")
	f.StringVar(&cfg.SessionBackend, "sessions", cfg.SessionBackend, "Session backend (memory, postgres, redis)")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the redis session backend")
	f.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Include internal error detail in responses")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

func runServer(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	metrics := api.NewMetrics()
	sessions := session.Open(ctx, deps.binder,
		session.WithLogger(logger),
		session.WithReconnectDelay(cfg.SessionReconnectIn),
		session.WithObserver(metrics.ObserveSessionState),
	)
	defer sessions.Close()

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parsing trusted proxies: %w", err)
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithDebug(cfg.ShowErrorDetail()),
		api.WithMetrics(metrics),
		api.WithTrustedProxies(proxies),
		api.WithSessionTTL(cfg.SessionTTL),
		api.WithCookiePolicy(api.CookiePolicy{
			SessionName: cfg.SessionCookieName,
			Domain:      cfg.CookieDomain,
			Production:  cfg.IsProduction(),
		}),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert", "type", string(e.Type), "count", e.Count, "threshold", e.Threshold, "message", e.Message)
		}),
	}
	if cfg.ProfileAPIURL != "" {
		profiles, err := profile.NewService(
			profile.NewHTTPFetcher(cfg.ProfileAPIURL, cfg.ProfileAPIToken, cfg.ProfileTimeout),
			profile.WithCacheSize(cfg.ProfileCacheSize),
			profile.WithLogger(logger),
			profile.WithObserver(metrics.ObserveProfile),
		)
		if err != nil {
			return fmt.Errorf("configuring profile cache: %w", err)
		}
		opts = append(opts, api.WithProfiles(profiles))
	}
	a := api.New(deps.repo, codec, sessions, opts...)

	go sessions.RunSweeper(ctx, cfg.SessionSweep)
	go a.RunMaintenance(ctx, maintenanceInterval)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(a, metrics, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	useTLS := tlsCert != "" && tlsKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(os.Stdout)
	logger.Info("server started",
		"addr", cfg.HTTPAddr,
		"tls", useTLS,
		"env", cfg.Env,
		"storage", cfg.StorageBackend,
		"session_tier", sessions.State().Tier.String(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// newRouter mounts the API under /api and the Prometheus registry on
// /metrics.
func newRouter(a *api.API, metrics *api.Metrics, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(api.SecurityHeaders)

	r.Handle("/metrics", metrics.Handler())
	r.Mount("/api", a.Router())
	return r
}

// requestLogger writes one structured record per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.LogAttrs(r.Context(), levelFor(status), "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
