package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-crawler/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the daily scheduler and the HTTP control surface",
		Long: `Fires the crawl and dump jobs at their configured times of day and
serves health, metrics and job control endpoints until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Options{}, func(_ *env, a App) error {
				return a.Serve(cmd.Context())
			})
		},
	}
}
