package main

import (
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/pairlink"
	"github.com/opd-ai/pairlink/config"
	"github.com/opd-ai/pairlink/credentials"
	"github.com/opd-ai/pairlink/internal/output"
	"github.com/opd-ai/pairlink/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	sessionFlag  string
	yesFlag      bool // --yes: skip confirmation prompts for destructive operations

	// Shared state set during PersistentPreRunE
	cfg       config.Config
	formatter output.Formatter
	logCloser io.Closer

	// adapter replaces the WebSocket adapter when set.
	adapter transport.Adapter
)

var rootCmd = &cobra.Command{
	Use:   "pairlinkctl",
	Short: "Pair, run and inspect linked-device sessions",
	Long: `pairlinkctl drives a pairlink session from the terminal. It shows the
pairing QR, keeps the connection alive with bounded reconnects, sends
messages and manages the credentials stored for each session id.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if sessionFlag != "" {
			if err := credentials.ValidateSessionID(sessionFlag); err != nil {
				return fmt.Errorf("invalid --session value: %w", err)
			}
			cfg.Session.ID = sessionFlag
		}

		if !output.ValidFormat(outputFormat) {
			return fmt.Errorf("unsupported output format %q (want table, json or yaml)", outputFormat)
		}
		formatter = output.NewFormatter(outputFormat)

		logCloser, err = config.ConfigureLogging(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser == nil {
			return nil
		}
		logrus.SetOutput(os.Stderr)
		err := logCloser.Close()
		logCloser = nil
		return err
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

// SetAdapter allows tests to inject a transport.
func SetAdapter(a transport.Adapter) {
	adapter = a
}

func openStore() (*credentials.Store, error) {
	store, err := credentials.NewStore(cfg.Credentials.DataDir, cfg.Session.ID, []byte(cfg.Credentials.Passphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return store, nil
}

func openLink() (*pairlink.Link, error) {
	options := pairlink.NewOptions()
	options.Config = cfg
	options.Adapter = adapter
	link, err := pairlink.New(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}
	return link, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.toml, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session id (overrides session.id)")
	rootCmd.PersistentFlags().BoolVar(&yesFlag, "yes", false, "skip confirmation prompts for destructive operations")
}
