package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/agent/internal/agent"
	"github.com/amurg-ai/relay/agent/internal/config"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Connect to the hub (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("hub-url", "", "hub WebSocket URL (ws:// or wss://)")
	f.String("org", "", "organization id")
	f.String("token", "", "device token (prefer RELAY_AGENT_HUB_TOKEN)")
	f.Bool("insecure", false, "skip TLS verification (development only)")
	f.String("hostname", "", "hostname reported to dashboards")
	f.Duration("status-interval", 0, "interval between status reports")
	f.String("log-level", "", "debug, info, warn or error")
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)

	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger(os.Stdout)

	a, err := agent.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relay agent starting", "version", version, "config", configPath)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("agent: %w", err)
	}
	logger.Info("agent stopped")
	return nil
}

// resolveConfigPath returns the config file path from (in priority order):
// the positional argument, the --config flag, RELAY_AGENT_CONFIG.
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
