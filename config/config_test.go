package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "dashgate.sid", cfg.SessionCookieName)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 5*time.Second, cfg.DBConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.SessionReconnectIn)
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.ShowErrorDetail())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DASHGATE_ENV", "production")
	t.Setenv("DASHGATE_TOKEN_SECRET", testSecret)
	t.Setenv("DASHGATE_SESSION_COOKIE", "dash.sid")
	t.Setenv("DASHGATE_COOKIE_DOMAIN", "example.com")
	t.Setenv("DASHGATE_STORAGE_BACKEND", "bbolt")
	t.Setenv("DASHGATE_SESSION_BACKEND", "redis")
	t.Setenv("DASHGATE_REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("DASHGATE_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")
	t.Setenv("DASHGATE_DB_MAX_CONNS", "not-a-number")
	t.Setenv("DASHGATE_SESSION_TTL", "48h")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.ShowErrorDetail())
	assert.Equal(t, "dash.sid", cfg.SessionCookieName)
	assert.Equal(t, "example.com", cfg.CookieDomain)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.TrustedProxies)
	assert.Equal(t, 10, cfg.DBMaxConns, "invalid values fall back to the default")
	assert.Equal(t, 48*time.Hour, cfg.SessionTTL)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Load()
		cfg.TokenSecret = testSecret
		cfg.StorageBackend = BackendMemory
		cfg.SessionBackend = BackendMemory
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.TokenSecret = "short" }, "token secret"},
		{"bad env", func(c *Config) { c.Env = "staging" }, "env must be"},
		{"cookie name", func(c *Config) { c.SessionCookieName = "a b" }, "cookie name"},
		{"jwt cookie clash", func(c *Config) { c.SessionCookieName = "jwt" }, "collides"},
		{"postgres without url", func(c *Config) { c.StorageBackend = BackendPostgres }, "database url"},
		{"redis without url", func(c *Config) { c.SessionBackend = BackendRedis }, "redis url"},
		{"unknown storage", func(c *Config) { c.StorageBackend = "mysql" }, "unknown storage"},
		{"unknown session", func(c *Config) { c.SessionBackend = "file" }, "unknown session"},
		{"bad proxy", func(c *Config) { c.TrustedProxies = []string{"nope"} }, "trusted proxy"},
		{"debug in production", func(c *Config) { c.Env = EnvProduction; c.Debug = true }, "debug mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	} {
		assert.Equal(t, want, Config{LogLevel: in}.SlogLevel(), in)
	}
}
