package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <target> <text>",
	Short: "Send a text message from a paired session",
	Long: `Connect the session, wait for it to be ready and send one text message.
The target is a phone-style number (spaces, dashes, dots, parentheses and a
leading + are ignored) or user@server.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if !store.Exists() {
			return fmt.Errorf("session %q is not paired; run `pairlinkctl run` first", cfg.Session.ID)
		}

		link, err := openLink()
		if err != nil {
			return err
		}
		defer link.Kill()

		if err := link.Start(); err != nil {
			return err
		}

		wctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
		err = link.WaitReady(wctx)
		cancel()
		if err != nil {
			st := link.Status()
			if st.HasQR {
				return fmt.Errorf("session %q needs pairing again; run `pairlinkctl run`", cfg.Session.ID)
			}
			return fmt.Errorf("session not ready after %s (state %s): %w", sendWait, st.State, err)
		}

		receipt, err := link.Send(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(receipt))
		return nil
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "how long to wait for the session to connect")
	rootCmd.AddCommand(sendCmd)
}
