package webrtc

import (
	"errors"
	"fmt"
)

// pion rejects data channel messages above this size.
const maxMessageSize = 65536

// Every data channel message starts with one of these markers. A frame
// larger than one message is split into fragmentMore messages followed by
// a fragmentLast message; the channel is ordered and reliable, so the
// pieces arrive in order.
const (
	fragmentLast byte = 0
	fragmentMore byte = 1
)

// maxAssembledSize bounds how much a peer can make us buffer for one frame.
const maxAssembledSize = 4 * 1024 * 1024

var errFragment = errors.New("malformed frame fragment")

// fragment splits frame into messages of at most size bytes, marker
// included.
func fragment(frame []byte, size int) [][]byte {
	chunk := size - 1
	messages := make([][]byte, 0, len(frame)/chunk+1)
	for {
		n := min(len(frame), chunk)
		marker := fragmentMore
		if n == len(frame) {
			marker = fragmentLast
		}

		msg := make([]byte, 1+n)
		msg[0] = marker
		copy(msg[1:], frame[:n])
		messages = append(messages, msg)

		frame = frame[n:]
		if marker == fragmentLast {
			return messages
		}
	}
}

// assembler joins fragments back into frames. It is not safe for
// concurrent use; pion delivers messages of one data channel in order from
// a single goroutine.
type assembler struct {
	buf []byte
}

// push adds one message. It returns the frame once its last fragment
// arrived, or nil while more are expected.
func (a *assembler) push(msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, errFragment
	}
	marker, body := msg[0], msg[1:]

	switch marker {
	case fragmentLast:
		if a.buf == nil {
			return body, nil
		}
		frame := append(a.buf, body...)
		a.buf = nil
		return frame, nil
	case fragmentMore:
		if len(a.buf)+len(body) > maxAssembledSize {
			a.buf = nil
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", errFragment, maxAssembledSize)
		}
		a.buf = append(a.buf, body...)
		return nil, nil
	default:
		a.buf = nil
		return nil, fmt.Errorf("%w: unknown marker %d", errFragment, marker)
	}
}
