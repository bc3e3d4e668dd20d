// Package webrtc implements channel.Channel over a pion data channel.
// Session descriptions and ICE candidates travel through a Signaler.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

var (
	ErrNotReady          = errors.New("data channel not open")
	ErrConnectionFailed  = errors.New("peer connection failed")
	ErrDataChannelClosed = errors.New("data channel closed")
)

// Signaler carries signals to and from the remote side of one negotiation.
// Signals must be delivered in the order they were sent.
type Signaler interface {
	SendSignal(ctx context.Context, signal protocol.Signal) error
	Signals() <-chan protocol.Signal
}

type Config struct {
	// Offerer creates the data channel and the offer. Exactly one side of
	// a negotiation sets it.
	Offerer     bool
	STUNServers []string
	Signaler    Signaler
	Logger      *logrus.Logger

	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool
}

type connection struct {
	pc       *webrtc.PeerConnection
	signaler Signaler
	offerer  bool
	logger   *logrus.Logger
	mux      *channel.Mux

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []webrtc.ICECandidateInit

	// writeMu keeps the fragments of one frame together.
	writeMu  sync.Mutex
	assembly assembler

	openOnce sync.Once
	opened   chan struct{}
	failed   chan error
}

// Dial establishes the peer connection and returns once the data channel is
// open. The signalling exchange keeps running in the background so late ICE
// candidates are still applied.
func Dial(ctx context.Context, cfg Config) (*channel.Mux, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("webrtc: signaler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	var settings webrtc.SettingEngine
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(STUNConfig(cfg.STUNServers))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &connection{
		pc:       pc,
		signaler: cfg.Signaler,
		offerer:  cfg.Offerer,
		logger:   cfg.Logger,
		opened:   make(chan struct{}),
		failed:   make(chan error, 1),
	}
	c.mux = channel.NewMux(channel.KindWebRTC, c, cfg.Logger)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debugf("Peer connection state has changed: %s", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.fail(fmt.Errorf("%w: %s", ErrConnectionFailed, s))
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		signal := protocol.Signal{Candidate: &protocol.IceCandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}}
		if err := c.signaler.SendSignal(context.Background(), signal); err != nil {
			c.logger.Warnf("Failed to send ICE candidate: %v", err)
		}
	})

	go c.handleSignals()

	if cfg.Offerer {
		err = c.offer(ctx)
	} else {
		pc.OnDataChannel(c.setupDataChannel)
	}
	if err != nil {
		c.mux.Fail(err)
		return nil, err
	}

	select {
	case <-c.opened:
		return c.mux, nil
	case err := <-c.failed:
		c.mux.Fail(err)
		return nil, err
	case <-ctx.Done():
		c.mux.Fail(ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *connection) offer(ctx context.Context) error {
	dc, err := c.pc.CreateDataChannel(dataChannelLabel, DataChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	signal := protocol.Signal{Description: &protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}}
	if err := c.signaler.SendSignal(ctx, signal); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Debugf("Data channel '%s' open", dc.Label())
		c.openOnce.Do(func() { close(c.opened) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame, err := c.assembly.push(msg.Data)
		if err != nil {
			c.logger.Warnf("Dropping message: %v", err)
			return
		}
		if frame != nil {
			c.mux.Dispatch(frame)
		}
	})

	dc.OnError(func(err error) {
		c.logger.Errorf("Data channel error: %v", err)
	})

	dc.OnClose(func() {
		c.logger.Debugf("Data channel '%s' closed", dc.Label())
		c.fail(ErrDataChannelClosed)
	})
}

func (c *connection) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
	go c.mux.Fail(err)
}

func (c *connection) handleSignals() {
	for {
		select {
		case <-c.mux.Done():
			return
		case signal, ok := <-c.signaler.Signals():
			if !ok {
				return
			}
			if err := c.handleSignal(signal); err != nil {
				c.logger.Warnf("Failed to handle signal: %v", err)
			}
		}
	}
}

func (c *connection) handleSignal(signal protocol.Signal) error {
	switch {
	case signal.Description != nil:
		return c.handleDescription(*signal.Description)
	case signal.Candidate != nil:
		init := webrtc.ICECandidateInit{
			Candidate:        signal.Candidate.Candidate,
			SDPMid:           signal.Candidate.SDPMid,
			SDPMLineIndex:    signal.Candidate.SDPMLineIndex,
			UsernameFragment: signal.Candidate.UsernameFragment,
		}

		c.mu.Lock()
		if c.pc.RemoteDescription() == nil {
			c.pending = append(c.pending, init)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.pc.AddICECandidate(init)
	default:
		return nil
	}
}

func (c *connection) handleDescription(desc protocol.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	for _, candidate := range c.pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.Warnf("Failed to add buffered ICE candidate: %v", err)
		}
	}
	c.pending = nil

	if c.offerer {
		return nil
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	signal := protocol.Signal{Description: &protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}}
	if err := c.signaler.SendSignal(context.Background(), signal); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

func (c *connection) WriteFrame(frame []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, msg := range fragment(frame, maxMessageSize) {
		if err := dc.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
