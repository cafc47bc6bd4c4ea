// Package cli implements the berth command-line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/berth/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagJSON      bool

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking BERTH_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("BERTH_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the berth CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "berth",
		Short: "Client for the berth deployment scheduler",
		Long:  "berth manages organizations, clusters and prioritized deployments on a berth server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "berth server URL (or BERTH_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print raw JSON responses")

	root.AddCommand(
		newOrgCmd(),
		newClusterCmd(),
		newDeployCmd(),
	)

	return root
}
