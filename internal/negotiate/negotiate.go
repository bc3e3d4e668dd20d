// Package negotiate drives a connection request through the signalling
// exchange to a tested, ready channel.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/channel/webrtc"
	"github.com/tonitrnel/synclink-sub001/internal/channel/websocket"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
	"github.com/tonitrnel/synclink-sub001/internal/signal"
)

var (
	ErrRejected         = errors.New("connection rejected by peer")
	ErrTimeout          = errors.New("connection timed out")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrPing             = errors.New("availability test failed")
	ErrSessionClosed    = errors.New("session closed")
)

const (
	DefaultPingCount      = 3
	DefaultPingTimeout    = 5 * time.Second
	DefaultConnectTimeout = 30 * time.Second

	signalBuffer = 64
)

// Transports builds the channel for a negotiated protocol. Nil fields use
// the real webrtc and websocket implementations.
type Transports struct {
	WebRTC    func(ctx context.Context, cfg webrtc.Config) (channel.Channel, error)
	WebSocket func(ctx context.Context, url string, logger *logrus.Logger) (channel.Channel, error)
}

func (t Transports) withDefaults() Transports {
	if t.WebRTC == nil {
		t.WebRTC = func(ctx context.Context, cfg webrtc.Config) (channel.Channel, error) {
			return webrtc.Dial(ctx, cfg)
		}
	}
	if t.WebSocket == nil {
		t.WebSocket = func(ctx context.Context, url string, logger *logrus.Logger) (channel.Channel, error) {
			return websocket.Dial(ctx, url, logger)
		}
	}
	return t
}

type Options struct {
	PingCount       int
	PingTimeout     time.Duration
	ConnectTimeout  time.Duration
	STUNServers     []string
	DisableRTC      bool
	IncludeLoopback bool
	Transports      Transports

	// OnState observes every state change.
	OnState func(State)
	Logger  *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.PingCount <= 0 {
		o.PingCount = DefaultPingCount
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	o.Transports = o.Transports.withDefaults()
	return o
}

// Negotiator runs one negotiation at a time against an exchange. Failed
// negotiations are never retried; call Dial or Accept again.
type Negotiator struct {
	exchange signal.Exchange
	opts     Options
	logger   *logrus.Logger

	mu    sync.Mutex
	state State
}

func New(exchange signal.Exchange, opts Options) *Negotiator {
	opts = opts.withDefaults()
	return &Negotiator{
		exchange: exchange,
		opts:     opts,
		logger:   opts.Logger,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()

	if prev == s {
		return
	}
	n.logger.Debugf("Negotiation state %s -> %s", prev, s)
	if n.opts.OnState != nil {
		n.opts.OnState(s)
	}
}

// Dial asks target to connect and returns the ready session once the
// peer accepted and the channel passed the availability test.
func (n *Negotiator) Dial(ctx context.Context, target string) (*Session, error) {
	events, stop := n.exchange.Subscribe()
	n.setState(WaitingForAcceptance)

	ctx, cancel := context.WithTimeout(ctx, n.opts.ConnectTimeout)
	defer cancel()

	requestID, err := n.exchange.Request(ctx, target, !n.opts.DisableRTC)
	if err != nil {
		stop()
		return nil, n.fail(fmt.Errorf("requesting %s: %w", target, err))
	}
	n.logger.Infof("Waiting for %s to accept request %s", target, requestID)

	neg, err := n.awaitNegotiated(ctx, events, requestID, target)
	if err != nil {
		stop()
		return nil, n.fail(err)
	}
	return n.connect(ctx, events, stop, neg)
}

// Accept answers an incoming request and returns the ready session.
func (n *Negotiator) Accept(ctx context.Context, req signal.IncomingRequest) (*Session, error) {
	events, stop := n.exchange.Subscribe()
	n.setState(Accepted)

	ctx, cancel := context.WithTimeout(ctx, n.opts.ConnectTimeout)
	defer cancel()

	if err := n.exchange.Accept(ctx, req.RequestID, !n.opts.DisableRTC); err != nil {
		stop()
		return nil, n.fail(fmt.Errorf("accepting %s: %w", req.RequestID, err))
	}

	neg, err := n.awaitNegotiated(ctx, events, req.RequestID, req.ClientID)
	if err != nil {
		stop()
		return nil, n.fail(err)
	}
	return n.connect(ctx, events, stop, neg)
}

func (n *Negotiator) Reject(ctx context.Context, req signal.IncomingRequest) error {
	n.setState(Idle)
	return n.exchange.Reject(ctx, req.RequestID)
}

func (n *Negotiator) awaitNegotiated(ctx context.Context, events <-chan signal.Event, requestID, peer string) (protocol.Negotiated, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Negotiated{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return protocol.Negotiated{}, signal.ErrExchangeClosed
			}
			switch ev := ev.(type) {
			case signal.Negotiated:
				if ev.RequestID == requestID {
					return ev.Negotiated, nil
				}
			case signal.Rejected:
				if ev.RequestID == requestID {
					return protocol.Negotiated{}, ErrRejected
				}
			case signal.Disconnected:
				if ev.ClientID == peer {
					return protocol.Negotiated{}, ErrPeerDisconnected
				}
			}
		}
	}
}

func (n *Negotiator) connect(ctx context.Context, events <-chan signal.Event, stop func(), neg protocol.Negotiated) (*Session, error) {
	n.setState(Connecting)

	self := n.exchange.ClientID()
	peer := neg.Peer(self)
	if peer == "" {
		stop()
		return nil, n.fail(fmt.Errorf("%s is not a participant of request %s", self, neg.RequestID))
	}

	sctx, scancel := context.WithCancelCause(context.Background())
	s := &Session{
		RequestID: neg.RequestID,
		Protocol:  neg.Protocol,
		PeerID:    peer,
		ctx:       sctx,
		cancel:    scancel,
	}
	signals := make(chan protocol.Signal, signalBuffer)
	go s.watch(events, stop, signals)

	dialCtx, dialCancel := context.WithCancelCause(ctx)
	defer dialCancel(nil)
	stopAfter := context.AfterFunc(sctx, func() { dialCancel(context.Cause(sctx)) })
	defer stopAfter()

	ch, err := n.dial(dialCtx, neg, self, peer, signals)
	if err != nil {
		return nil, n.abort(s, err)
	}
	s.bind(ch)

	n.setState(TestingAvailability)
	delay, err := n.testAvailability(dialCtx, ch)
	if err != nil {
		return nil, n.abort(s, err)
	}
	s.Delay = delay
	s.connected.Store(true)

	n.setState(Connected)
	n.logger.Infof("Connected to %s over %s (delay %s)", peer, ch.Kind(), delay.Round(time.Microsecond))
	return s, nil
}

func (n *Negotiator) dial(ctx context.Context, neg protocol.Negotiated, self, peer string, signals chan protocol.Signal) (channel.Channel, error) {
	switch neg.Protocol {
	case protocol.ProtocolWebRTC:
		return n.opts.Transports.WebRTC(ctx, webrtc.Config{
			Offerer:         neg.Offerer() == self,
			STUNServers:     n.opts.STUNServers,
			Signaler:        &relaySignaler{exchange: n.exchange, requestID: neg.RequestID, to: peer, signals: signals},
			Logger:          n.logger,
			IncludeLoopback: n.opts.IncludeLoopback,
		})
	case protocol.ProtocolWebSocket:
		return n.opts.Transports.WebSocket(ctx, n.exchange.RelayURL(neg.RequestID), n.logger)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", neg.Protocol)
	}
}

// testAvailability pings sequentially and returns the mean round trip.
func (n *Negotiator) testAvailability(ctx context.Context, ch channel.Channel) (time.Duration, error) {
	var total time.Duration
	for i := 0; i < n.opts.PingCount; i++ {
		pctx, cancel := context.WithTimeout(ctx, n.opts.PingTimeout)
		d, err := ch.Ping(pctx)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("%w: ping %d: %v", ErrPing, i+1, err)
		}
		total += d
	}
	return total / time.Duration(n.opts.PingCount), nil
}

// abort ends a half-built session, preferring the session's own cause
// (such as the peer disconnecting) over the error it produced.
func (n *Negotiator) abort(s *Session, err error) error {
	if cause := context.Cause(s.ctx); errors.Is(cause, ErrPeerDisconnected) || errors.Is(cause, ErrRejected) {
		err = cause
	}
	s.cancel(err)
	return n.fail(err)
}

func (n *Negotiator) fail(err error) error {
	switch {
	case errors.Is(err, ErrRejected):
		n.setState(RejectedByPeer)
	case errors.Is(err, ErrPeerDisconnected):
		n.setState(Idle)
	case errors.Is(err, ErrPing):
		n.setState(Failed)
	case errors.Is(err, context.DeadlineExceeded):
		n.setState(ConnectionTimeout)
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		n.setState(Failed)
	}
	n.logger.Warnf("Negotiation failed: %v", err)
	return err
}

type relaySignaler struct {
	exchange  signal.Exchange
	requestID string
	to        string
	signals   chan protocol.Signal
}

func (r *relaySignaler) SendSignal(ctx context.Context, sig protocol.Signal) error {
	return r.exchange.Relay(ctx, r.requestID, r.to, sig)
}

func (r *relaySignaler) Signals() <-chan protocol.Signal {
	return r.signals
}
