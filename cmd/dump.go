package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-crawler/internal/app"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Writes one pg_dump snapshot now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Options{}, func(_ *env, a App) error {
				path, err := a.Dump(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}
