package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
	"github.com/tonitrnel/synclink-sub001/internal/rate"
)

// Send transfers src to the remote side and blocks until every chunk is
// acknowledged. progress may be nil.
//
// A failed or cancelled send tells the receiver with a cancel control
// frame, unless the channel itself is gone.
func (p *Peer) Send(ctx context.Context, src *Source, progress ProgressFunc) (res *Result, err error) {
	seq := p.allocate()
	meta := protocol.FileMeta{
		Seq:   seq,
		Name:  src.Name,
		Mtime: src.ModTime.UnixMilli(),
		Size:  src.Size,
		Type:  src.Type,
		Date:  time.Now().UnixMilli(),
	}
	if meta.Type == "" {
		meta.Type = MimeType(src.Name)
	}

	payload, err := protocol.EncodeMeta(meta)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil && !errors.Is(err, channel.ErrClosed) {
			p.sendCancel(seq)
		}
	}()

	start := time.Now()
	if err := p.sendMeta(ctx, seq, payload); err != nil {
		return nil, err
	}

	p.logger.Infof("Sending %s (%d bytes) as file %d", src.Name, src.Size, seq)

	meter := rate.NewMeter(start)
	report := func(sent int64) {
		if progress == nil {
			return
		}
		progress(Progress{
			FileSeq:        seq,
			Name:           src.Name,
			Bytes:          sent,
			Total:          src.Size,
			Percent:        rate.Progress(sent, src.Size),
			BytesPerSecond: meter(sent),
		})
	}

	chunker := NewChunker(io.LimitReader(src.Reader, src.Size), p.opts.ChunkSize)
	var (
		sent      int64
		packetSeq uint32
	)
	for {
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", src.Name, err)
		}

		packetSeq++
		h := protocol.Header{FileSeq: seq, PacketSeq: packetSeq}
		if err := p.deliver(ctx, h, protocol.EncodePacket(h, chunk)); err != nil {
			p.logger.Warnf("Failed to send %s: %v", src.Name, err)
			return nil, err
		}

		sent += int64(len(chunk))
		report(sent)
	}

	if sent < src.Size {
		return nil, fmt.Errorf("%w: %s sent %d of %d bytes", ErrShortSource, src.Name, sent, src.Size)
	}
	if packetSeq == 0 {
		report(0)
	}

	elapsed := time.Since(start)
	res = &Result{
		FileSeq:        seq,
		Bytes:          sent,
		Packets:        packetSeq,
		Duration:       elapsed,
		BytesPerSecond: meter(sent),
	}
	p.logger.Infof("Sent %s in %s (%.0f B/s)", src.Name, elapsed.Round(time.Millisecond), res.BytesPerSecond)
	return res, nil
}

// sendMeta announces a file. The metadata packet is never retransmitted.
func (p *Peer) sendMeta(ctx context.Context, seq uint32, payload []byte) error {
	pending := p.ch.Expect(protocol.FlagAck, protocol.MatchHeader(protocol.Header{FileSeq: seq}))
	defer pending.Cancel()

	if err := p.ch.Send(protocol.FlagMeta, payload); err != nil {
		return err
	}

	ackCtx, cancel := context.WithTimeout(ctx, p.opts.AckTimeout)
	defer cancel()

	if _, err := pending.Wait(ackCtx); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: file %d after %s", ErrAckTimeout, seq, p.opts.AckTimeout)
		}
		return err
	}
	return nil
}

// deliver sends one data packet and waits for its acknowledgement,
// retransmitting the identical packet on every timeout.
func (p *Peer) deliver(ctx context.Context, h protocol.Header, packet []byte) error {
	attempts := p.opts.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		pending := p.ch.Expect(protocol.FlagAck, protocol.MatchHeader(h))
		if err := p.ch.Send(protocol.FlagData, packet); err != nil {
			pending.Cancel()
			return err
		}

		ackCtx, cancel := context.WithTimeout(ctx, p.opts.AckTimeout)
		_, err := pending.Wait(ackCtx)
		cancel()

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, context.DeadlineExceeded):
			return err
		}
		p.logger.Debugf("No ack for file %d packet %d (attempt %d/%d)", h.FileSeq, h.PacketSeq, attempt, attempts)
	}
	return fmt.Errorf("%w: file %d packet %d after %d attempts", ErrRetriesExhausted, h.FileSeq, h.PacketSeq, attempts)
}
