package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"workflow-api/internal/app"
	"workflow-api/internal/config"
	"workflow-api/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return fmt.Errorf("migrate needs store.driver=postgres, got %q", cfg.Store.Driver)
		}
		logger := app.NewLogger(cfg)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, err := app.OpenStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.(*repository.PostgresStore).Migrate(ctx); err != nil {
			return err
		}
		logger.Info("Migrations applied")
		return nil
	},
}
