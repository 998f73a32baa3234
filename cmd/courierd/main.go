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
	cfg     *config.ServerConfig
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "courierd",
		Short:         "Real-time delivery event server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				var err error
				logger, err = config.NewLogger("courierd", verbose, nil)
				return err
			}

			var err error
			cfg, err = config.LoadServer(cfgFile)
			if err != nil {
				return err
			}

			logger, err = config.NewLogger("courierd", verbose, &cfg.Logging)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("COURIERD_CONFIG"), "config file path (or set COURIERD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("courierd failed", zap.Error(err))
		} else {
			os.Stderr.WriteString("courierd: " + err.Error() + "\n")
		}
		os.Exit(1)
	}
}
