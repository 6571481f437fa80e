package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect resolved settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
FEEDSYNC_* environment variables and flags. Secrets in the postgres DSN
are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadConfig(cmd)
		if err != nil {
			fail("loading config", err)
		}
		if err := cfg.Write(os.Stdout, format); err != nil {
			fail("printing config", err)
		}
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "yaml", "output format: yaml, toml or json")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
