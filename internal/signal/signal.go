// Package signal talks to the signalling exchange that pairs two clients
// and relays their connection setup messages.
package signal

import (
	"context"

	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

// Exchange is the signalling service as seen by one client.
type Exchange interface {
	ClientID() string

	// Request asks target to connect and returns the request id.
	Request(ctx context.Context, target string, supportsRTC bool) (string, error)
	Accept(ctx context.Context, requestID string, supportsRTC bool) error
	Reject(ctx context.Context, requestID string) error
	Relay(ctx context.Context, requestID, to string, signal protocol.Signal) error

	// RelayURL is the websocket endpoint for the relayed channel of a
	// negotiated request.
	RelayURL(requestID string) string

	// Subscribe returns a stream of pushed events and a function that ends
	// it. The stream is closed when the exchange connection is lost.
	Subscribe() (<-chan Event, func())

	Close() error
}

// Event is one of IncomingRequest, Negotiated, Rejected, Relayed or
// Disconnected.
type Event interface {
	event()
}

type IncomingRequest struct {
	protocol.IncomingRequest
}

type Negotiated struct {
	protocol.Negotiated
}

type Rejected struct {
	RequestID string
}

type Relayed struct {
	protocol.RelayedSignal
}

type Disconnected struct {
	ClientID string
}

func (IncomingRequest) event() {}
func (Negotiated) event()      {}
func (Rejected) event()        {}
func (Relayed) event()         {}
func (Disconnected) event()    {}
