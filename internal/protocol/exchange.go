package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType names a message pushed by the exchange over the event stream.
type EventType string

const (
	EventRequest      EventType = "request"
	EventNegotiated   EventType = "negotiated"
	EventRejected     EventType = "rejected"
	EventSignal       EventType = "signal"
	EventDisconnected EventType = "disconnected"
)

// Envelope wraps every pushed event. Data holds the payload for Type:
// IncomingRequest, Negotiated, a bare request id, RelayedSignal or a bare
// client id.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewEnvelope(t EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s event: %w", t, err)
	}
	return Envelope{Type: t, Data: raw}, nil
}

// IncomingRequest is pushed to the target of a ConnectRequest.
type IncomingRequest struct {
	RequestID   string `json:"request_id"`
	ClientID    string `json:"client_id"`
	SupportsRTC bool   `json:"supports_rtc"`
}

// AcceptRequest answers an IncomingRequest.
type AcceptRequest struct {
	RequestID   string `json:"request_id"`
	ClientID    string `json:"client_id"`
	SupportsRTC bool   `json:"supports_rtc"`
}

type RejectRequest struct {
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id"`
}

// RelayedSignal carries one Signal between the participants of a request.
type RelayedSignal struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Signal    Signal `json:"signal"`
}
