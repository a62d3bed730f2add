package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/dashgate/config"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL tables",
	Long: `Creates the storage tables and the strictly addressed session table
(schema.table) so the session store can bind at the primary tier. Every
statement is idempotent.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.DatabaseURL == "" {
			return errors.New("migrate requires DASHGATE_DATABASE_URL or --database-url")
		}
		return migrate(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&cfg.SessionSchema, "session-schema", cfg.SessionSchema, "Schema of the session table")
	migrateCmd.Flags().StringVar(&cfg.SessionTable, "session-table", cfg.SessionTable, "Name of the session table")
}

func migrate(ctx context.Context, c config.Config, out io.Writer) error {
	pool, err := postgres.NewPool(ctx, c.DatabaseURL, poolConfig(c))
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("storage schema: %w", err)
	}
	fmt.Fprintln(out, "storage tables ready")
	if err := session.EnsureSchema(ctx, pool, c.SessionSchema, c.SessionTable); err != nil {
		return fmt.Errorf("session table: %w", err)
	}
	fmt.Fprintf(out, "session table %s.%s ready\n", c.SessionSchema, c.SessionTable)
	return nil
}
