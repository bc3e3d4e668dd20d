package negotiate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
	"github.com/tonitrnel/synclink-sub001/internal/signal"
)

// Session is a connected peer. It ends when either side closes the
// channel, the peer leaves the exchange, or Close is called.
type Session struct {
	Channel   channel.Channel
	Delay     time.Duration
	RequestID string
	Protocol  protocol.TransportProtocol
	PeerID    string

	ctx       context.Context
	cancel    context.CancelCauseFunc
	connected atomic.Bool
}

func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err reports why the session ended, or nil while it is live.
func (s *Session) Err() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

func (s *Session) Close() error {
	s.cancel(ErrSessionClosed)
	return nil
}

// bind ties the channel's lifetime to the session in both directions.
func (s *Session) bind(ch channel.Channel) {
	s.Channel = ch
	context.AfterFunc(s.ctx, func() { _ = ch.Close() })
	go func() {
		select {
		case <-ch.Done():
			s.cancel(ch.Err())
		case <-s.ctx.Done():
		}
	}()
}

// watch forwards relayed signals for this request and ends the session if
// the peer disconnects from the exchange, or rejects the request before the
// session is connected.
func (s *Session) watch(events <-chan signal.Event, stop func(), signals chan<- protocol.Signal) {
	defer stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case signal.Relayed:
				if ev.RequestID != s.RequestID {
					continue
				}
				select {
				case signals <- ev.Signal:
				case <-s.ctx.Done():
					return
				}
			case signal.Rejected:
				if ev.RequestID == s.RequestID && !s.connected.Load() {
					s.cancel(ErrRejected)
					return
				}
			case signal.Disconnected:
				if ev.ClientID == s.PeerID {
					s.cancel(ErrPeerDisconnected)
					return
				}
			}
		}
	}
}
