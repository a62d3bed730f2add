// Package config holds the explicit runtime configuration object. It is
// loaded once at startup and handed to every component; nothing below cmd
// reads the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/token"
)

const envPrefix = "DASHGATE_"

// Backend names accepted by StorageBackend and SessionBackend.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config contains all runtime configuration.
type Config struct {
	Env      string
	Debug    bool
	LogLevel string

	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// TrustedProxies are CIDRs whose X-Forwarded-For headers are honored.
	TrustedProxies []string

	TokenSecret string
	TokenTTL    time.Duration
	TokenIssuer string

	SessionBackend    string
	SessionCookieName string
	// CookieDomain scopes cookies to the production apex domain. Ignored
	// outside production.
	CookieDomain       string
	SessionTTL         time.Duration
	SessionSchema      string
	SessionTable       string
	SessionSweep       time.Duration
	RedisURL           string
	RedisPrefix        string
	SessionReconnectIn time.Duration

	StorageBackend    string
	DatabaseURL       string
	BoltPath          string
	DBMaxConns        int
	DBMaxConnIdleTime time.Duration
	DBMaxConnLifetime time.Duration
	DBMaxConnUses     int
	DBConnectTimeout  time.Duration

	ProfileAPIURL    string
	ProfileAPIToken  string
	ProfileCacheSize int
	ProfileTimeout   time.Duration
}

// Load reads Config from DASHGATE_* environment variables with defaults.
func Load() Config {
	e := func(name string) string { return envPrefix + name }
	return Config{
		Env:      EnvString(e("ENV"), EnvDevelopment),
		Debug:    EnvBool(e("DEBUG"), false),
		LogLevel: EnvString(e("LOG_LEVEL"), "info"),

		HTTPAddr:          EnvString(e("HTTP_ADDR"), ":8080"),
		ReadHeaderTimeout: EnvDuration(e("HTTP_READ_HEADER_TIMEOUT"), 5*time.Second),
		ReadTimeout:       EnvDuration(e("HTTP_READ_TIMEOUT"), 15*time.Second),
		WriteTimeout:      EnvDuration(e("HTTP_WRITE_TIMEOUT"), 30*time.Second),
		IdleTimeout:       EnvDuration(e("HTTP_IDLE_TIMEOUT"), 60*time.Second),
		ShutdownTimeout:   EnvDuration(e("SHUTDOWN_TIMEOUT"), 10*time.Second),
		TrustedProxies:    EnvList(e("TRUSTED_PROXIES")),

		TokenSecret: EnvString(e("TOKEN_SECRET"), ""),
		TokenTTL:    EnvDuration(e("TOKEN_TTL"), token.DefaultTTL),
		TokenIssuer: EnvString(e("TOKEN_ISSUER"), "dashgate"),

		SessionBackend:     EnvString(e("SESSION_BACKEND"), BackendPostgres),
		SessionCookieName:  EnvString(e("SESSION_COOKIE"), "dashgate.sid"),
		CookieDomain:       EnvString(e("COOKIE_DOMAIN"), ""),
		SessionTTL:         EnvDuration(e("SESSION_TTL"), session.DefaultTTL),
		SessionSchema:      EnvString(e("SESSION_SCHEMA"), session.DefaultSchema),
		SessionTable:       EnvString(e("SESSION_TABLE"), session.DefaultTable),
		SessionSweep:       EnvDuration(e("SESSION_SWEEP_INTERVAL"), session.DefaultSweepInterval),
		RedisURL:           EnvString(e("REDIS_URL"), ""),
		RedisPrefix:        EnvString(e("REDIS_PREFIX"), session.DefaultRedisPrefix),
		SessionReconnectIn: EnvDuration(e("SESSION_RECONNECT_DELAY"), session.DefaultReconnectDelay),

		StorageBackend:    EnvString(e("STORAGE_BACKEND"), BackendPostgres),
		DatabaseURL:       EnvString(e("DATABASE_URL"), ""),
		BoltPath:          EnvString(e("BOLT_PATH"), "dashgate.db"),
		DBMaxConns:        EnvInt(e("DB_MAX_CONNS"), 10),
		DBMaxConnIdleTime: EnvDuration(e("DB_MAX_CONN_IDLE"), 30*time.Second),
		DBMaxConnLifetime: EnvDuration(e("DB_MAX_CONN_LIFETIME"), time.Hour),
		DBMaxConnUses:     EnvInt(e("DB_MAX_CONN_USES"), 7500),
		DBConnectTimeout:  EnvDuration(e("DB_CONNECT_TIMEOUT"), 5*time.Second),

		ProfileAPIURL:    EnvString(e("PROFILE_API_URL"), ""),
		ProfileAPIToken:  EnvString(e("PROFILE_API_TOKEN"), ""),
		ProfileCacheSize: EnvInt(e("PROFILE_CACHE_SIZE"), 1024),
		ProfileTimeout:   EnvDuration(e("PROFILE_TIMEOUT"), 10*time.Second),
	}
}

// IsProduction reports whether production cookie and redaction rules apply.
func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// ShowErrorDetail reports whether internal error text may reach clients.
func (c Config) ShowErrorDetail() bool {
	return c.Debug || !c.IsProduction()
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("env must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env))
	}
	if len(c.TokenSecret) < token.MinSecretLen {
		errs = append(errs, fmt.Errorf("token secret must be at least %d bytes", token.MinSecretLen))
	}
	if c.SessionCookieName == "" || strings.ContainsAny(c.SessionCookieName, " ;=,\t") {
		errs = append(errs, fmt.Errorf("invalid session cookie name %q", c.SessionCookieName))
	}
	if c.SessionCookieName == "jwt" {
		errs = append(errs, errors.New(`session cookie name "jwt" collides with the token cookie`))
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendBBolt:
		if c.BoltPath == "" {
			errs = append(errs, errors.New("bbolt storage requires a bolt path"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres storage requires a database url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	switch c.SessionBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres sessions require a database url"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis sessions require a redis url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.SessionBackend))
	}

	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, err := netip.ParseAddr(p); err != nil {
				errs = append(errs, fmt.Errorf("invalid trusted proxy %q", p))
			}
		}
	}
	if c.IsProduction() && c.Debug {
		errs = append(errs, errors.New("debug mode must not be enabled in production"))
	}
	return errors.Join(errs...)
}
