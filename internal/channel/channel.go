// Package channel multiplexes flagged frames over a duplex peer connection.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

var ErrClosed = errors.New("channel closed")

// Kind identifies the transport behind a Channel. It is chosen once during
// negotiation.
type Kind int

const (
	KindWebRTC Kind = iota + 1
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindWebRTC:
		return "webrtc"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Match filters frame payloads. A nil Match accepts everything.
type Match func(payload []byte) bool

// Channel is a ready duplex connection to one peer.
type Channel interface {
	Kind() Kind
	Send(flag protocol.Flag, payload []byte) error
	// Subscribe delivers every matching frame until the subscription is closed.
	Subscribe(flag protocol.Flag, match Match) *Subscription
	// Expect registers a one-shot listener for the next matching frame. It
	// must be registered before the frame that triggers the reply is sent.
	Expect(flag protocol.Flag, match Match) *Pending
	Ping(ctx context.Context) (time.Duration, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// FrameWriter is the transport side of a Mux.
type FrameWriter interface {
	WriteFrame(frame []byte) error
	Close() error
}
