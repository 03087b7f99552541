package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/app"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl now and prints the run report",
		Long: `Enumerates the index pages, fetches and extracts every listing and
upserts it. The JSON run report is written to stdout. With --dry-run listings
are kept in memory and nothing touches the database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Options{DryRun: dryRun}, func(e *env, a App) error {
				report, runErr := a.Crawl(cmd.Context())
				if report.RunID != "" {
					out, err := json.MarshalIndent(report, "", "  ")
					if err != nil {
						return fmt.Errorf("encode run report: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
				}
				if runErr != nil {
					return runErr
				}
				if report.Status == crawler.RunFailed {
					return fmt.Errorf("crawl run %s failed: %s", report.RunID, report.FatalError)
				}
				e.logger.Info("crawl command finished", zap.String("status", string(report.Status)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "keep listings in memory instead of Postgres")
	return cmd
}
