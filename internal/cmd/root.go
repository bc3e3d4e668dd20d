package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tonitrnel/synclink-sub001/internal/config"
	"github.com/tonitrnel/synclink-sub001/internal/logger"
)

var (
	cfg = config.Default()
	log = logger.NewLogger()
)

var rootCmd = &cobra.Command{
	Use:           `synclink`,
	Long:          `synclink sends files directly between two clients, falling back to a relay when no direct channel can be opened`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg.ApplyEnv(cmd.Flags())
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logger.SetLevel(log, cfg.LogLevel)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(exchangeCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(historyCmd)
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
