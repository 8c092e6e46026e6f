package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored credentials for a session",
	Long: `Delete the session directory and everything in it. The device has to be
paired again afterwards. Required after a remote logout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		if !yesFlag {
			fmt.Fprintf(cmd.OutOrStdout(), "Delete credentials for session %q in %s? [y/N] ", store.SessionID(), store.Dir())
			answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}

		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to reset session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %q reset.\n", store.SessionID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
