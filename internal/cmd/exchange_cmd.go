package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/tonitrnel/synclink-sub001/internal/exchange"
)

var exchangeAddr string

var exchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "runs the signalling exchange",
	Long:  `runs the signalling exchange that pairs clients, relays their WebRTC setup and carries relayed channels`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		srv, err := exchange.NewServer(exchange.Config{
			Addr:   exchangeAddr,
			Logger: log,
		})
		if err != nil {
			return err
		}
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	exchangeCmd.Flags().StringVar(&exchangeAddr, "addr", ":8080", "address to listen on")
}
