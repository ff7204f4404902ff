package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <url>",
		Short: "Discovers and ranks a site's important pages",
		Long: `Crawls the site at url, ranks the pages it finds and prints the
result as JSON. No job is created.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, rt, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, rt.logger)

			res, err := a.Orchestrator().DiscoverAndSelect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		},
	}
}
