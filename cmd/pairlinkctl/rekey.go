package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rekeyEnv string

var rekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Re-encrypt stored credentials under a new passphrase",
	Long: `Re-encrypt the session's credentials under the passphrase held in the
environment variable named by --from-env. Update credentials.passphrase (or
PAIRLINK_PASSPHRASE) afterwards.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		next := os.Getenv(rekeyEnv)
		if next == "" {
			return fmt.Errorf("%s is empty", rekeyEnv)
		}
		if next == cfg.Credentials.Passphrase {
			return fmt.Errorf("new passphrase matches the current one")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Rekey([]byte(next)); err != nil {
			return fmt.Errorf("failed to rekey session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %q re-encrypted.\n", store.SessionID())
		return nil
	},
}

func init() {
	rekeyCmd.Flags().StringVar(&rekeyEnv, "from-env", "PAIRLINK_NEW_PASSPHRASE", "environment variable holding the new passphrase")
	rootCmd.AddCommand(rekeyCmd)
}
