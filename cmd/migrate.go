package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-audit/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.DSN == "" {
				return errors.New("db.dsn must be set to run migrations")
			}
			if err := postgres.Migrate(cmd.Context(), rt.cfg.DB.DSN); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			rt.logger.Info("migrations applied")
			return nil
		},
	}
}
