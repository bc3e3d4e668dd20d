package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/history"
	"github.com/tonitrnel/synclink-sub001/internal/negotiate"
	"github.com/tonitrnel/synclink-sub001/internal/signal"
	"github.com/tonitrnel/synclink-sub001/internal/transfer"
)

// openExchange connects the event stream of the configured exchange.
func openExchange(ctx context.Context) (*signal.Client, error) {
	client, err := signal.NewClient(signal.ClientConfig{
		URL:      cfg.ExchangeURL,
		ClientID: cfg.ClientID,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Open(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func newNegotiator(exchange signal.Exchange) *negotiate.Negotiator {
	return negotiate.New(exchange, negotiate.Options{
		PingCount:      cfg.PingCount,
		PingTimeout:    cfg.PingTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		STUNServers:    cfg.STUNServers,
		DisableRTC:     cfg.DisableRTC,
		OnState: func(s negotiate.State) {
			log.Debugf("Connection state: %s", s)
		},
		Logger: log,
	})
}

func transferOptions() transfer.Options {
	return transfer.Options{
		ChunkSize:  cfg.ChunkSize,
		AckTimeout: cfg.AckTimeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     log,
	}
}

// openHistory returns nil when history is disabled with an empty path.
func openHistory() (*history.Store, error) {
	if cfg.HistoryPath == "" {
		return nil, nil
	}
	return history.Open(cfg.HistoryPath)
}

func record(store *history.Store, t *history.Transfer) {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Record(ctx, t); err != nil {
		log.Warnf("Could not record transfer of %s: %v", t.Name, err)
	}
}

func newBar(name string, size int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
}

// barProgress feeds transfer progress into bar.
func barProgress(bar *progressbar.ProgressBar) transfer.ProgressFunc {
	return func(p transfer.Progress) {
		_ = bar.Set64(p.Bytes)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sessionEnded returns why s ended, or nil if it was closed normally.
func sessionEnded(s *negotiate.Session) error {
	err := s.Err()
	switch {
	case err == nil,
		errors.Is(err, negotiate.ErrSessionClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, channel.ErrClosed):
		return nil
	}
	return err
}

// sessionContext is cancelled when either ctx or s ends.
func sessionContext(ctx context.Context, s *negotiate.Session) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
