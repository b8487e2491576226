package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Grant missed premium activations and cancel stale pending payments once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		granted, err := a.sweeper.GrantMissing(ctx)
		if err != nil {
			return err
		}
		expired, err := a.sweeper.ExpireStale(ctx)
		if err != nil {
			return err
		}
		slog.Info("Sweep finished", "granted", granted, "cancelled", expired)
		return nil
	},
}
