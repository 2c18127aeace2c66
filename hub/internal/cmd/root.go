package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for relay-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "relay-hub",
		Short: "Relay hub for dashboards and automation agents",
		Long: "relay-hub relays commands and telemetry between browser dashboards and " +
			"provisioned agents over WebSocket, isolated per organization.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newAdminCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (JSON, YAML or TOML)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("relay-hub", version)
		},
	}
}
