package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
	"github.com/tonitrnel/synclink-sub001/internal/rate"
)

var errReaderClosed = errors.New("incoming file closed")

// Incoming is an inbound file. It is an io.Reader over the file contents:
// packets are pulled from the channel and acknowledged as the caller reads,
// and Read returns io.EOF once the declared size has arrived.
//
// The caller must Close every Incoming, read to the end or not.
type Incoming struct {
	Meta protocol.FileMeta

	peer   *Peer
	sub    *channel.Subscription
	ctx    context.Context
	cancel context.CancelCauseFunc
	meter  func(int64) float64

	progress ProgressFunc
	last     uint32
	received atomic.Int64
	buf      []byte
	err      error

	closeOnce sync.Once
}

func newIncoming(ctx context.Context, p *Peer, meta protocol.FileMeta) *Incoming {
	ctx, cancel := context.WithCancelCause(ctx)
	in := &Incoming{
		Meta:   meta,
		peer:   p,
		ctx:    ctx,
		cancel: cancel,
		meter:  rate.NewMeter(time.Now()),
	}
	in.sub = p.ch.Subscribe(protocol.FlagData, func(packet []byte) bool {
		h, _, err := protocol.DecodePacket(packet)
		return err == nil && h.FileSeq == meta.Seq
	})
	p.track(in)
	return in
}

// OnProgress registers fn to be called after every acknowledged packet.
// It must be called before the first Read.
func (in *Incoming) OnProgress(fn ProgressFunc) {
	in.progress = fn
}

// Received returns the number of bytes accepted so far. It is safe to
// call from any goroutine.
func (in *Incoming) Received() int64 {
	return in.received.Load()
}

func (in *Incoming) Read(b []byte) (int, error) {
	for len(in.buf) == 0 {
		if err := in.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(b, in.buf)
	in.buf = in.buf[n:]
	return n, nil
}

// Close stops the stream and releases its channel listener. Packets for
// this file that arrive later are dropped.
func (in *Incoming) Close() error {
	in.closeOnce.Do(func() {
		in.cancel(errReaderClosed)
		in.sub.Close()
		in.peer.untrack(in.Meta.Seq)
	})
	return nil
}

func (in *Incoming) abort(cause error) {
	in.cancel(cause)
}

func (in *Incoming) fill() error {
	if in.err != nil {
		return in.err
	}

	for {
		if in.received.Load() >= in.Meta.Size {
			in.err = io.EOF
			return in.err
		}

		packet, err := in.sub.Next(in.ctx)
		if err != nil {
			if cause := context.Cause(in.ctx); in.ctx.Err() != nil && cause != nil {
				err = cause
			}
			in.err = fmt.Errorf("receiving %s: %w", in.Meta.Name, err)
			return in.err
		}

		h, payload, err := protocol.DecodePacket(packet)
		if err != nil || h.FileSeq != in.Meta.Seq {
			continue
		}

		switch {
		case h.PacketSeq == in.last && in.last > 0:
			// Our ack was lost and the sender retransmitted.
			in.peer.ack(h)
			continue
		case h.PacketSeq != in.last+1:
			in.err = fmt.Errorf("%w: file %d expected packet %d, got %d", ErrSequence, h.FileSeq, in.last+1, h.PacketSeq)
			in.peer.logger.Warnf("Aborting %s: %v", in.Meta.Name, in.err)
			return in.err
		}

		in.last = h.PacketSeq
		received := in.received.Add(int64(len(payload)))
		in.buf = payload
		in.peer.ack(h)

		if in.progress != nil {
			in.progress(Progress{
				FileSeq:        in.Meta.Seq,
				Name:           in.Meta.Name,
				Bytes:          received,
				Total:          in.Meta.Size,
				Percent:        rate.Progress(received, in.Meta.Size),
				BytesPerSecond: in.meter(received),
			})
		}
		if len(payload) > 0 {
			return nil
		}
	}
}
