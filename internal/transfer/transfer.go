// Package transfer moves files over a channel.Channel with a stop-and-wait
// protocol: a metadata packet, then sequenced data packets each of which
// must be acknowledged before the next one is sent.
package transfer

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

var (
	ErrAckTimeout       = errors.New("metadata not acknowledged")
	ErrRetriesExhausted = errors.New("data packet not acknowledged")
	ErrSequence         = errors.New("packet sequence mismatch")
	ErrCancelled        = errors.New("transfer cancelled by sender")
	ErrShortSource      = errors.New("source ended before declared size")
)

// Options tunes both directions of a Peer. A negative MaxRetries disables
// retransmission; zero selects the default.
type Options struct {
	ChunkSize  int
	AckTimeout time.Duration
	MaxRetries int
	Logger     *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = protocol.DefaultChunkSize
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = protocol.DefaultAckTimeout
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = protocol.DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Progress is reported after every acknowledged chunk, on both sides.
type Progress struct {
	FileSeq        uint32
	Name           string
	Bytes          int64
	Total          int64
	Percent        int
	BytesPerSecond float64
}

type ProgressFunc func(Progress)

// Result summarises a finished outbound transfer.
type Result struct {
	FileSeq        uint32
	Bytes          int64
	Packets        uint32
	Duration       time.Duration
	BytesPerSecond float64
}
