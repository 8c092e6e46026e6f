package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/opd-ai/pairlink/internal/tui"
	"github.com/opd-ai/pairlink/session"
	"github.com/spf13/cobra"
)

var runTUI bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and keep the session alive",
	Long: `Connect the session and stay connected until interrupted. When the
session has no credentials a QR code is printed; scan it with the primary
device to pair. Transitions, disconnect hints and inbound messages are
printed as they happen.

With --tui the same information is shown in a live terminal view.
Key bindings:
  s           Start again after a failure
  x           Reset the session (deletes credentials)
  q / Ctrl+C  Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		link, err := openLink()
		if err != nil {
			return err
		}
		defer link.Kill()

		notes := link.Subscribe(256)
		if err := link.Start(); err != nil {
			if errors.Is(err, session.ErrLoggedOut) {
				return fmt.Errorf("session %q was logged out; run `pairlinkctl reset` and pair again", link.SessionID())
			}
			return err
		}

		if runTUI {
			p := tea.NewProgram(tui.New(link, notes), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		}
		return follow(ctx, cmd.OutOrStdout(), notes)
	},
}

// follow prints notifications until ctx ends or the session reaches a state
// only the user can leave.
func follow(ctx context.Context, out io.Writer, notes <-chan session.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, tui.FormatNotification(n))
			switch n.Kind {
			case session.NotifyQRAvailable:
				fmt.Fprintln(out, "Scan with the primary device:")
				tui.WriteQR(out, n.QR)
			case session.NotifyLoggedOut:
				return fmt.Errorf("%s; run `pairlinkctl reset` and pair again", n.Hint)
			case session.NotifyPermanentFailure:
				return errors.New(n.Hint)
			}
		}
	}
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show a live terminal view")
	rootCmd.AddCommand(runCmd)
}
