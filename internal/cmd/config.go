package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/backendhub/hubd/internal/config"
	"github.com/backendhub/hubd/internal/output"
)

const redacted = "[redacted]"

var (
	configOutput     string
	configShowSecret bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and
HUBD_* environment variables are merged. Secrets are redacted unless
--show-secrets is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(configOutput)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		view := *cfg
		if !configShowSecret {
			view = redactConfig(view)
		}

		rendered, err := output.FormatValue(format, view)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if file := viper.ConfigFileUsed(); file != "" {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", file)
		}
		_, err = fmt.Fprintln(out, rendered)
		return err
	},
}

func redactConfig(cfg config.Config) config.Config {
	if cfg.Store.AuthToken != "" {
		cfg.Store.AuthToken = redacted
	}
	if cfg.Modules.Split.EncryptionKey != "" {
		cfg.Modules.Split.EncryptionKey = redacted
	}
	if cfg.Modules.Split.NotifyKey != "" {
		cfg.Modules.Split.NotifyKey = redacted
	}
	return cfg
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().StringVarP(&configOutput, "output", "o", "yaml", "output format (yaml, json)")
	configCmd.Flags().BoolVar(&configShowSecret, "show-secrets", false, "print secrets in clear text")
}
