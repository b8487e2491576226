package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables and indexes for the configured store",
	Long: `Create tables and indexes for the configured store.

For mongo this builds the unique correlation-id and email indexes; for the
SQL drivers it runs the schema migration.

Examples:
  kitabu-pay migrate
  DB_DRIVER=postgres DATABASE_URL=postgres://... kitabu-pay migrate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("Storage ready", "db_driver", a.cfg.DBDriver)
		return nil
	},
}
