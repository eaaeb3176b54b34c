package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/backendhub/hubd/internal/output"
)

var routesOutput string

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List the routes the server would serve",
	Long: `List host routes, mounted modules and upgrade endpoints for the
current configuration, with the policies applied to each mount.

Upgrade endpoints bypass the HTTP router and its policies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(routesOutput)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		registry, err := buildRegistry(cfg, nil)
		if err != nil {
			return err
		}

		rendered, err := output.FormatRoutes(format, routeListing(cfg, registry))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return err
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
	routesCmd.Flags().StringVarP(&routesOutput, "output", "o", "table", "output format (table, json, yaml)")
}
