package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tonitrnel/synclink-sub001/internal/history"
)

var (
	historyLimit int
	historyPeer  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list past transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.HistoryPath == "" {
			return errors.New("history is disabled")
		}
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		var transfers []history.Transfer
		if historyPeer != "" {
			transfers, err = store.ListByPeer(ctx, historyPeer, historyLimit)
		} else {
			transfers, err = store.List(ctx, historyLimit)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tDIRECTION\tPEER\tNAME\tBYTES\tSTATUS\tDURATION")
		for _, t := range transfers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%v\n",
				t.StartedAt.Format(time.DateTime), t.Direction, t.PeerID, t.Name,
				t.Bytes, t.Size, t.Status, t.Duration().Round(time.Millisecond))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		totals, err := store.Totals(ctx)
		if err != nil {
			return err
		}
		for _, total := range totals {
			fmt.Printf("%s: %d files, %d bytes\n", total.Direction, total.Count, total.Bytes)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of transfers to show")
	historyCmd.Flags().StringVar(&historyPeer, "peer", "", "only show transfers with this client")
}
