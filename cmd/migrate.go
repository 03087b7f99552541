package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/listing-crawler/internal/storage/postgres"
)

// Migration entry points, swapped out in tests.
var (
	migrateUp      = pgstore.Migrate
	migrateDown    = pgstore.MigrateDown
	migrateVersion = pgstore.MigrationVersion
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manages the listings schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Applies all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return migrateUp(e.cfg.DB.DSN(), e.logger.Named("migrate"))
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rolls back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return migrateDown(e.cfg.DB.DSN(), steps, e.logger.Named("migrate"))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			version, dirty, err := migrateVersion(e.cfg.DB.DSN())
			if err != nil {
				return err
			}
			out := fmt.Sprintf("version %d", version)
			if dirty {
				out += " (dirty)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	})
	return cmd
}
