package protocol

import (
	"encoding/json"
	"fmt"
)

// Header is the fixed prefix of data and acknowledgement packets.
type Header struct {
	FileSeq   uint32
	PacketSeq uint32
}

// FileMeta announces a file before its data packets. Mtime and Date are
// unix milliseconds.
type FileMeta struct {
	Seq   uint32 `json:"seq"`
	Name  string `json:"name"`
	Mtime int64  `json:"mtime"`
	Size  int64  `json:"size"`
	Type  string `json:"type"`
	Date  int64  `json:"date"`
}

type Control struct {
	Kind ControlKind `json:"kind"`
	Seq  uint32      `json:"seq,omitempty"`
}

type ConnectRequest struct {
	ClientID    string `json:"client_id"`
	TargetID    string `json:"target_id"`
	SupportsRTC bool   `json:"supports_rtc"`
}

type ConnectResponse struct {
	RequestID string `json:"request_id"`
}

type Negotiated struct {
	RequestID    string            `json:"request_id"`
	Protocol     TransportProtocol `json:"protocol"`
	Participants [2]string         `json:"participants"`
}

// Offerer is the participant that builds the channel first.
func (n Negotiated) Offerer() string {
	return n.Participants[0]
}

// Peer returns the other participant, or "" if self is not one of them.
func (n Negotiated) Peer(self string) string {
	switch self {
	case n.Participants[0]:
		return n.Participants[1]
	case n.Participants[1]:
		return n.Participants[0]
	default:
		return ""
	}
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type IceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

const (
	signalDescription = 0
	signalCandidate   = 1
)

// Signal is the relayed WebRTC negotiation payload. Exactly one of
// Description and Candidate is set. On the wire it is the tagged array
// [0, description] or [1, candidate].
type Signal struct {
	Description *SessionDescription
	Candidate   *IceCandidate
}

func (s Signal) MarshalJSON() ([]byte, error) {
	switch {
	case s.Description != nil:
		return json.Marshal([]any{signalDescription, s.Description})
	case s.Candidate != nil:
		return json.Marshal([]any{signalCandidate, s.Candidate})
	default:
		return nil, fmt.Errorf("%w: empty signal", ErrUnknownSignal)
	}
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("%w: expected 2 elements, got %d", ErrUnknownSignal, len(raw))
	}

	var tag int
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return err
	}

	switch tag {
	case signalDescription:
		var d SessionDescription
		if err := json.Unmarshal(raw[1], &d); err != nil {
			return err
		}
		*s = Signal{Description: &d}
	case signalCandidate:
		var c IceCandidate
		if err := json.Unmarshal(raw[1], &c); err != nil {
			return err
		}
		*s = Signal{Candidate: &c}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownSignal, tag)
	}
	return nil
}
