package main

import (
	"fmt"

	"github.com/opd-ai/pairlink/internal/output"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect pairlinkctl configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after defaults, the config file and PAIRLINK_* variables are applied. The passphrase is masked.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := formatter
		if _, ok := f.(*output.TableFormatter); ok {
			f = output.NewFormatter("yaml")
		}
		fmt.Fprint(cmd.OutOrStdout(), f.Format(cfg.Redacted()))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
