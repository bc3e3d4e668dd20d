package protocol

import "time"

const (
	HeaderSize = 8

	DefaultChunkSize  = 128 * 1024
	DefaultAckTimeout = 5000 * time.Millisecond
	DefaultMaxRetries = 3
)

// Flag tags every frame sent over a channel so logically distinct
// message kinds can share one connection.
type Flag byte

const (
	FlagControl Flag = 0x01
	FlagMeta    Flag = 0x02
	FlagData    Flag = 0x03
	FlagAck     Flag = 0x04
	FlagPing    Flag = 0x05
	FlagPong    Flag = 0x06
)

func (f Flag) String() string {
	switch f {
	case FlagControl:
		return "CONTROL"
	case FlagMeta:
		return "META"
	case FlagData:
		return "DATA"
	case FlagAck:
		return "ACK"
	case FlagPing:
		return "PING"
	case FlagPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether f is one of the known flags.
func (f Flag) Valid() bool {
	return f >= FlagControl && f <= FlagPong
}

type TransportProtocol string

const (
	ProtocolWebRTC    TransportProtocol = "webrtc"
	ProtocolWebSocket TransportProtocol = "websocket"
)

type ControlKind string

const (
	ControlCancel ControlKind = "cancel"
	ControlJoined ControlKind = "joined"
)
