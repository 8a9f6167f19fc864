package cmd

import (
	"github.com/spf13/cobra"
)

// newCrawlCmd creates the 'crawl' subcommand, which walks the catalog from
// every root and stores the area hierarchy.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "crawl",
		Aliases: []string{"sync-areas"},
		Short:   "Discovers areas and crags from the configured source",
		Long: `Walks the area hierarchy breadth-first from each root with a pool of
workers. Areas fetched successfully in earlier runs are skipped unless
crawler.revisit_scraped is set. Run statistics are printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := appInstance.Crawl(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), snap); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
}

func newRetryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-fetches areas whose last fetch failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := appInstance.RetryFailed(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), snap); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
}
