package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrShortHeader   = errors.New("packet shorter than header")
	ErrUnknownFlag   = errors.New("unknown frame flag")
	ErrInvalidMeta   = errors.New("invalid file metadata")
	ErrUnknownSignal = errors.New("unknown signal tag")
)

// EncodeFrame prefixes payload with its flag.
func EncodeFrame(flag Flag, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(flag)
	copy(frame[1:], payload)
	return frame
}

// DecodeFrame splits a raw frame into its flag and payload. The payload
// aliases frame.
func DecodeFrame(frame []byte) (Flag, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	flag := Flag(frame[0])
	if !flag.Valid() {
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFlag, frame[0])
	}
	return flag, frame[1:], nil
}

// EncodePacket builds a data or acknowledgement packet: the little-endian
// header followed by payload (empty for acknowledgements).
func EncodePacket(h Header, payload []byte) []byte {
	packet := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(packet[0:4], h.FileSeq)
	binary.LittleEndian.PutUint32(packet[4:8], h.PacketSeq)
	copy(packet[HeaderSize:], payload)
	return packet
}

// DecodePacket parses the header of a data or acknowledgement packet and
// returns the remaining payload, which aliases packet.
func DecodePacket(packet []byte) (Header, []byte, error) {
	if len(packet) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(packet))
	}
	h := Header{
		FileSeq:   binary.LittleEndian.Uint32(packet[0:4]),
		PacketSeq: binary.LittleEndian.Uint32(packet[4:8]),
	}
	return h, packet[HeaderSize:], nil
}

// MatchHeader returns a predicate accepting packets whose header equals h.
func MatchHeader(h Header) func([]byte) bool {
	return func(packet []byte) bool {
		got, _, err := DecodePacket(packet)
		return err == nil && got == h
	}
}

func EncodeMeta(m FileMeta) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMeta(data []byte) (FileMeta, error) {
	var m FileMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return FileMeta{}, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	if m.Size < 0 {
		return FileMeta{}, fmt.Errorf("%w: negative size %d", ErrInvalidMeta, m.Size)
	}
	return m, nil
}

func EncodeControl(c Control) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeControl(data []byte) (Control, error) {
	var c Control
	err := json.Unmarshal(data, &c)
	return c, err
}
