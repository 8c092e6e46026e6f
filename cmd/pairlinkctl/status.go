package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// StatusReport describes the persisted state of one session.
type StatusReport struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Directory string    `json:"directory" yaml:"directory"`
	Present   bool      `json:"credentials_present" yaml:"credentials_present"`
	Paired    bool      `json:"paired" yaml:"paired"`
	Identity  string    `json:"identity,omitempty" yaml:"identity,omitempty"`
	DeviceID  string    `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	PairedAt  time.Time `json:"paired_at,omitempty" yaml:"paired_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored credentials for a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		report := StatusReport{
			SessionID: store.SessionID(),
			Directory: store.Dir(),
			Present:   store.Exists(),
		}
		if report.Present {
			creds, err := store.Load()
			if err != nil {
				report.Error = err.Error()
			} else {
				report.Paired = creds.Paired()
				report.Identity = creds.Identity
				report.DeviceID = creds.DeviceID
				report.PairedAt = creds.PairedAt
				report.UpdatedAt = creds.UpdatedAt
				creds.Wipe()
			}
		}

		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(report))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
