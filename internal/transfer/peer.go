package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

// Peer runs both transfer roles over one channel. Outbound files are sent
// with Send; inbound files appear on Incoming once Run is started.
type Peer struct {
	ch     channel.Channel
	opts   Options
	logger *logrus.Logger

	metaSub    *channel.Subscription
	controlSub *channel.Subscription
	incoming   chan *Incoming

	mu      sync.Mutex
	nextSeq uint32
	seen    map[uint32]struct{}
	active  map[uint32]*Incoming
}

func NewPeer(ch channel.Channel, opts Options) *Peer {
	opts = opts.withDefaults()
	return &Peer{
		ch:         ch,
		opts:       opts,
		logger:     opts.Logger,
		metaSub:    ch.Subscribe(protocol.FlagMeta, nil),
		controlSub: ch.Subscribe(protocol.FlagControl, nil),
		incoming:   make(chan *Incoming, 16),
		seen:       make(map[uint32]struct{}),
		active:     make(map[uint32]*Incoming),
	}
}

func (p *Peer) Channel() channel.Channel {
	return p.ch
}

// Incoming yields files announced by the remote side. It is closed when
// Run returns.
func (p *Peer) Incoming() <-chan *Incoming {
	return p.incoming
}

// Run handles metadata and control frames until ctx ends or the channel
// closes. Inbound streams are bound to ctx.
func (p *Peer) Run(ctx context.Context) error {
	defer close(p.incoming)
	defer p.metaSub.Close()
	defer p.controlSub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.handleControl(ctx)
	}()

	err := p.handleMeta(ctx)
	wg.Wait()
	return err
}

func (p *Peer) handleMeta(ctx context.Context) error {
	for {
		payload, err := p.metaSub.Next(ctx)
		if err != nil {
			return err
		}

		meta, err := protocol.DecodeMeta(payload)
		if err != nil {
			p.logger.Warnf("Ignoring metadata packet: %v", err)
			continue
		}

		if !p.announce(meta.Seq) {
			p.logger.Debugf("Duplicate metadata for file %d, acknowledging again", meta.Seq)
			p.ack(protocol.Header{FileSeq: meta.Seq})
			continue
		}

		in := newIncoming(ctx, p, meta)
		p.ack(protocol.Header{FileSeq: meta.Seq})
		p.logger.Infof("Receiving %s (%d bytes) as file %d", meta.Name, meta.Size, meta.Seq)

		select {
		case p.incoming <- in:
		case <-ctx.Done():
			in.Close()
			return ctx.Err()
		}
	}
}

func (p *Peer) handleControl(ctx context.Context) {
	for {
		payload, err := p.controlSub.Next(ctx)
		if err != nil {
			return
		}

		msg, err := protocol.DecodeControl(payload)
		if err != nil {
			p.logger.Warnf("Ignoring control frame: %v", err)
			continue
		}

		switch msg.Kind {
		case protocol.ControlCancel:
			p.mu.Lock()
			in, ok := p.active[msg.Seq]
			p.mu.Unlock()
			if ok {
				p.logger.Warnf("Sender cancelled file %d", msg.Seq)
				in.abort(ErrCancelled)
			}
		default:
			p.logger.Debugf("Unhandled control kind %q", msg.Kind)
		}
	}
}

// announce records an inbound file seq and advances the local watermark so
// this side never allocates a seq the remote side already used. It reports
// false for a seq seen before.
func (p *Peer) announce(seq uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq+1 > p.nextSeq {
		p.nextSeq = seq + 1
	}
	if _, ok := p.seen[seq]; ok {
		return false
	}
	p.seen[seq] = struct{}{}
	return true
}

func (p *Peer) allocate() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.nextSeq
	p.nextSeq++
	return seq
}

func (p *Peer) track(in *Incoming) {
	p.mu.Lock()
	p.active[in.Meta.Seq] = in
	p.mu.Unlock()
}

func (p *Peer) untrack(seq uint32) {
	p.mu.Lock()
	delete(p.active, seq)
	p.mu.Unlock()
}

func (p *Peer) ack(h protocol.Header) {
	if err := p.ch.Send(protocol.FlagAck, protocol.EncodePacket(h, nil)); err != nil {
		p.logger.Debugf("Failed to acknowledge file %d packet %d: %v", h.FileSeq, h.PacketSeq, err)
	}
}

func (p *Peer) sendCancel(seq uint32) {
	payload, err := protocol.EncodeControl(protocol.Control{Kind: protocol.ControlCancel, Seq: seq})
	if err != nil {
		return
	}
	if err := p.ch.Send(protocol.FlagControl, payload); err != nil && !errors.Is(err, channel.ErrClosed) {
		p.logger.Debugf("Failed to send cancel for file %d: %v", seq, err)
	}
}
