package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tonitrnel/synclink-sub001/internal/history"
	"github.com/tonitrnel/synclink-sub001/internal/negotiate"
	"github.com/tonitrnel/synclink-sub001/internal/signal"
	"github.com/tonitrnel/synclink-sub001/internal/transfer"
)

var autoAccept bool

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "wait for connections and save received files",
	Long:  `wait for other clients to connect and save the files they send to the download folder`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		store, err := openHistory()
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		client, err := openExchange(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		events, unsubscribe := client.Subscribe()
		defer unsubscribe()

		fmt.Printf("Waiting for connections as %s\n", client.ClientID())

		neg := newNegotiator(client)
		stdin := bufio.NewReader(os.Stdin)
		d := &dispatcher{
			exchange: client,
			handle: func(ctx context.Context, req signal.IncomingRequest) {
				if !autoAccept && !confirm(stdin, req.ClientID) {
					if err := neg.Reject(ctx, req); err != nil {
						log.Warnf("Rejecting %s: %v", req.ClientID, err)
					}
					return
				}

				session, err := neg.Accept(ctx, req)
				if err != nil {
					log.Warnf("Connection with %s failed: %v", req.ClientID, err)
					return
				}
				receive(ctx, session, store)
			},
		}
		return d.run(ctx, events)
	},
}

func init() {
	receiveCmd.Flags().BoolVarP(&autoAccept, "yes", "y", false, "accept every connection without asking")
}

// dispatcher hands incoming requests to handle one at a time. Requests that
// arrive while one is being handled are rejected, so the event stream keeps
// draining during a session.
type dispatcher struct {
	exchange signal.Exchange
	handle   func(ctx context.Context, req signal.IncomingRequest)
}

func (d *dispatcher) run(ctx context.Context, events <-chan signal.Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	busy := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return signal.ErrExchangeClosed
			}
			req, isRequest := ev.(signal.IncomingRequest)
			if !isRequest {
				continue
			}

			select {
			case busy <- struct{}{}:
			default:
				log.Infof("Rejecting %s: already in a session", req.ClientID)
				if err := d.exchange.Reject(ctx, req.RequestID); err != nil {
					log.Warnf("Rejecting %s: %v", req.ClientID, err)
				}
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-busy }()
				d.handle(ctx, req)
			}()
		}
	}
}

func confirm(in *bufio.Reader, from string) bool {
	fmt.Printf("Accept connection from %s? [y/N] ", from)
	answer, err := in.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// receive saves every file announced on session until it ends.
func receive(ctx context.Context, session *negotiate.Session, store *history.Store) {
	defer session.Close()
	log.Infof("Connected to %s over %s, delay %v", session.PeerID, session.Protocol, session.Delay)

	ctx, cancel := sessionContext(ctx, session)
	defer cancel()

	peer := transfer.NewPeer(session.Channel, transferOptions())
	go func() {
		_ = peer.Run(ctx)
	}()

	var wg sync.WaitGroup
	for in := range peer.Incoming() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			saveIncoming(in, session.PeerID, store)
		}()
	}
	wg.Wait()

	if err := sessionEnded(session); err != nil {
		log.Warnf("Session with %s ended: %v", session.PeerID, err)
		return
	}
	log.Infof("Session with %s ended", session.PeerID)
}

func saveIncoming(in *transfer.Incoming, peerID string, store *history.Store) {
	bar := newBar(in.Meta.Name, in.Meta.Size)
	var last transfer.Progress
	in.OnProgress(func(p transfer.Progress) {
		last = p
		_ = bar.Set64(p.Bytes)
	})

	started := time.Now()
	path, err := transfer.Save(in, cfg.DownloadDir)
	record(store, &history.Transfer{
		Direction:      history.Received,
		PeerID:         peerID,
		FileSeq:        in.Meta.Seq,
		Name:           in.Meta.Name,
		Type:           in.Meta.Type,
		Size:           in.Meta.Size,
		Bytes:          in.Received(),
		Path:           path,
		Status:         history.StatusFor(err),
		Error:          errorText(err),
		BytesPerSecond: last.BytesPerSecond,
		StartedAt:      started,
	})

	if err != nil {
		_ = bar.Exit()
		log.Warnf("Receiving %s failed: %v", in.Meta.Name, err)
		return
	}
	_ = bar.Finish()
	log.Infof("Saved %s", path)
}
