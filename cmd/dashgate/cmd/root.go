package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/dashgate/config"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

// cfg is loaded from the environment before any subcommand runs; flags
// override individual fields.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "dashgate",
	Short: "dashgate is the authentication and session backend for the dashboard",
	Long: `Authentication, session tracking and dashboard resources behind one API.
Configuration is read from DASHGATE_* environment variables; flags override them.`,
	Version:      Version,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cfg = config.Load()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pf.StringVar(&cfg.Env, "env", cfg.Env, "Deployment environment (development, production)")
	pf.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "Storage backend (memory, bbolt, postgres)")
	pf.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	pf.StringVar(&cfg.BoltPath, "bolt-path", cfg.BoltPath, "bbolt database file")
}

// newLogger returns the process logger: JSON records on stderr at the
// configured level.
func newLogger(c config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.SlogLevel()}))
}
