package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/config"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.AgentConfig
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "courier-agent",
		Short:         "Queue changes offline and sync them when the server is reachable",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				var err error
				logger, err = config.NewLogger("courier-agent", verbose, nil)
				return err
			}

			var err error
			cfg, err = config.LoadAgent(cfgFile)
			if err != nil {
				return err
			}

			logger, err = config.NewLogger("courier-agent", verbose, &cfg.Logging)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("COURIER_AGENT_CONFIG"), "config file path (or set COURIER_AGENT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(syncCmd())

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("courier-agent failed", zap.Error(err))
		} else {
			os.Stderr.WriteString("courier-agent: " + err.Error() + "\n")
		}
		os.Exit(1)
	}
}
