package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for relay-agent.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "relay-agent",
		Short: "Relay agent, keeps a device connected to the relay hub",
		Long: "relay-agent connects outbound to the relay hub with a device token, answers " +
			"pings and commands from dashboards and reports its status periodically.",
		Args:          cobra.MaximumNArgs(1),
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addRunFlags(root)

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (JSON, YAML or TOML)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("relay-agent", version)
		},
	}
}
