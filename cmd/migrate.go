package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/discord-history-crawler/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the embedded database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := postgres.OpenPool(ctx, postgres.Config{DSN: app.Config.DB.DSN})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			app.Logger.Info("Database schema is up to date")
			return nil
		},
	}
}
