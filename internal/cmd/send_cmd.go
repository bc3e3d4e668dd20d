package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tonitrnel/synclink-sub001/internal/history"
	"github.com/tonitrnel/synclink-sub001/internal/transfer"
	"github.com/tonitrnel/synclink-sub001/internal/watcher"
)

var (
	watchDir     string
	watchInclude []string
)

var sendCmd = &cobra.Command{
	Use:   "send target [file...]",
	Short: "send files to another client",
	Long:  `send files to the client with the given id, optionally watching a folder and sending every file written to it`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, files := args[0], args[1:]
		if len(files) == 0 && watchDir == "" {
			return errors.New("nothing to send: name files or --watch a folder")
		}

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

		session, err := newNegotiator(client).Dial(ctx, target)
		if err != nil {
			return err
		}
		defer session.Close()
		log.Infof("Connected to %s over %s, delay %v", session.PeerID, session.Protocol, session.Delay)

		ctx, cancel := sessionContext(ctx, session)
		defer cancel()

		peer := transfer.NewPeer(session.Channel, transferOptions())
		go func() {
			_ = peer.Run(ctx)
		}()
		go func() {
			for in := range peer.Incoming() {
				log.Warnf("Ignoring %s from %s while sending", in.Meta.Name, session.PeerID)
				_ = in.Close()
			}
		}()

		s := &sender{peer: peer, store: store, peerID: session.PeerID}
		sendErr := s.sendAll(ctx, files)

		if watchDir != "" {
			if err := s.watch(ctx, watchDir); err != nil && !errors.Is(err, context.Canceled) {
				return errors.Join(sendErr, err)
			}
		}
		if err := sessionEnded(session); err != nil {
			return errors.Join(sendErr, err)
		}
		return sendErr
	},
}

func init() {
	sendCmd.Flags().StringVar(&watchDir, "watch", "", "keep the session open and send files written to this folder")
	sendCmd.Flags().StringSliceVar(&watchInclude, "include", nil, "only send watched files matching these patterns")
}

type sender struct {
	peer   *transfer.Peer
	store  *history.Store
	peerID string
}

// sendAll sends each file in turn over the same session. A failed file is
// logged and skipped; the failures are returned together.
func (s *sender) sendAll(ctx context.Context, paths []string) error {
	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("sending %s: %w", path, err))
			continue
		}
		if err := s.send(ctx, path); err != nil {
			log.Warn(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *sender) send(ctx context.Context, path string) error {
	src, err := transfer.OpenFile(path)
	if err != nil {
		record(s.store, &history.Transfer{
			Direction: history.Sent,
			PeerID:    s.peerID,
			Name:      filepath.Base(path),
			Path:      path,
			Status:    history.Failed,
			Error:     err.Error(),
			StartedAt: time.Now(),
		})
		return err
	}
	defer src.Close()

	bar := newBar(src.Name, src.Size)
	started := time.Now()
	res, err := s.peer.Send(ctx, src, barProgress(bar))

	entry := &history.Transfer{
		Direction: history.Sent,
		PeerID:    s.peerID,
		Name:      src.Name,
		Type:      src.Type,
		Size:      src.Size,
		Path:      path,
		Status:    history.StatusFor(err),
		Error:     errorText(err),
		StartedAt: started,
	}
	if res != nil {
		entry.FileSeq = res.FileSeq
		entry.Bytes = res.Bytes
		entry.BytesPerSecond = res.BytesPerSecond
	}
	record(s.store, entry)

	if err != nil {
		_ = bar.Exit()
		return fmt.Errorf("sending %s: %w", src.Name, err)
	}
	_ = bar.Finish()
	log.Infof("Sent %s in %v (%.0f B/s)", src.Name, res.Duration.Round(time.Millisecond), res.BytesPerSecond)
	return nil
}

// watch sends every file that settles under dir until ctx ends. A failed
// file is logged and skipped.
func (s *sender) watch(ctx context.Context, dir string) error {
	ignore, err := watcher.LoadIgnoreFile(dir)
	if err != nil {
		return err
	}
	w, err := watcher.New(dir, watcher.Options{
		Include: watchInclude,
		Ignore:  ignore,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	for path := range w.Events() {
		if err := s.send(ctx, path); err != nil {
			log.Warn(err)
		}
	}
	return <-errCh
}
