package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/hub"
	"github.com/amurg-ai/relay/hub/internal/wizard"
	"github.com/amurg-ai/relay/pkg/cli"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the hub (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger(os.Stdout)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize hub: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relay hub starting", "version", version, "config", configPath)
	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("hub: %w", err)
	}
	logger.Info("hub stopped")
	return nil
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			p := cli.DefaultPrompter()
			p.Out = cmd.OutOrStdout()
			w := wizard.New(p)
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default "+wizard.DefaultOutput+")")
	cmd.Flags().Bool("defaults", false, "write defaults and RELAY_* environment values without prompting")
	return cmd
}

// resolveConfigPath returns the config file path from (in priority order):
// the positional argument, the --config flag, RELAY_CONFIG. An empty result
// means environment-only configuration.
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return os.Getenv(config.EnvPrefix + "_CONFIG")
}
