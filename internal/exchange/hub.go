// Package exchange is a development signalling exchange: it pairs
// connection requests between clients, relays their WebRTC signals and
// forwards frames for clients that fall back to the websocket channel.
package exchange

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

var (
	ErrClientExists   = errors.New("client already connected")
	ErrUnknownClient  = errors.New("client not connected")
	ErrUnknownRequest = errors.New("unknown request")
	ErrNotParticipant = errors.New("client is not a participant of the request")
)

const clientQueueSize = 64

type client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Envelope
	done chan struct{}
}

type request struct {
	id         string
	from       string
	to         string
	fromRTC    bool
	negotiated *protocol.Negotiated
}

func (r *request) participant(id string) bool {
	return id == r.from || id == r.to
}

// Hub holds the connected clients and open requests.
type Hub struct {
	logger *logrus.Logger

	mu       sync.Mutex
	clients  map[string]*client
	requests map[string]*request
	relays   map[string]*relay
}

func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		logger:   logger,
		clients:  make(map[string]*client),
		requests: make(map[string]*request),
		relays:   make(map[string]*relay),
	}
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; ok {
		return ErrClientExists
	}
	h.clients[c.id] = c
	h.logger.Infof("Client %s connected", c.id)
	return nil
}

// unregister drops a client and its requests and tells every counterpart.
func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[id]; !ok {
		return
	}
	delete(h.clients, id)

	notified := make(map[string]bool)
	for rid, r := range h.requests {
		if !r.participant(id) {
			continue
		}
		delete(h.requests, rid)

		peer := r.from
		if peer == id {
			peer = r.to
		}
		if notified[peer] {
			continue
		}
		notified[peer] = true
		h.pushLocked(peer, protocol.EventDisconnected, id)
	}
	h.logger.Infof("Client %s disconnected", id)
}

func (h *Hub) connect(req protocol.ConnectRequest) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[req.ClientID]; !ok {
		return "", ErrUnknownClient
	}
	if _, ok := h.clients[req.TargetID]; !ok {
		return "", ErrUnknownClient
	}

	r := &request{
		id:      uuid.NewString(),
		from:    req.ClientID,
		to:      req.TargetID,
		fromRTC: req.SupportsRTC,
	}
	h.requests[r.id] = r
	h.pushLocked(r.to, protocol.EventRequest, protocol.IncomingRequest{
		RequestID:   r.id,
		ClientID:    r.from,
		SupportsRTC: r.fromRTC,
	})
	h.logger.Infof("Client %s requested %s (%s)", r.from, r.to, r.id)
	return r.id, nil
}

// accept picks the transport: webrtc only when both sides support it.
// The requester is listed first and becomes the offerer.
func (h *Hub) accept(req protocol.AcceptRequest) (protocol.Negotiated, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.requests[req.RequestID]
	if !ok || r.negotiated != nil {
		return protocol.Negotiated{}, ErrUnknownRequest
	}
	if r.to != req.ClientID {
		return protocol.Negotiated{}, ErrNotParticipant
	}

	proto := protocol.ProtocolWebSocket
	if r.fromRTC && req.SupportsRTC {
		proto = protocol.ProtocolWebRTC
	}
	n := protocol.Negotiated{
		RequestID:    r.id,
		Protocol:     proto,
		Participants: [2]string{r.from, r.to},
	}
	r.negotiated = &n

	h.pushLocked(r.from, protocol.EventNegotiated, n)
	h.pushLocked(r.to, protocol.EventNegotiated, n)
	h.logger.Infof("Request %s negotiated %s", r.id, proto)
	return n, nil
}

func (h *Hub) reject(req protocol.RejectRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.requests[req.RequestID]
	if !ok {
		return ErrUnknownRequest
	}
	if r.to != req.ClientID {
		return ErrNotParticipant
	}
	delete(h.requests, r.id)
	h.pushLocked(r.from, protocol.EventRejected, r.id)
	h.logger.Infof("Request %s rejected", r.id)
	return nil
}

func (h *Hub) relaySignal(sig protocol.RelayedSignal) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.requests[sig.RequestID]
	if !ok {
		return ErrUnknownRequest
	}
	if !r.participant(sig.From) || !r.participant(sig.To) || sig.From == sig.To {
		return ErrNotParticipant
	}
	h.pushLocked(sig.To, protocol.EventSignal, sig)
	return nil
}

// negotiated returns the request if it was accepted and id takes part.
func (h *Hub) negotiated(requestID, id string) (*request, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.requests[requestID]
	if !ok || r.negotiated == nil {
		return nil, ErrUnknownRequest
	}
	if !r.participant(id) {
		return nil, ErrNotParticipant
	}
	return r, nil
}

func (h *Hub) pushLocked(id string, t protocol.EventType, data any) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	env, err := protocol.NewEnvelope(t, data)
	if err != nil {
		h.logger.Errorf("Failed to encode event: %v", err)
		return
	}
	select {
	case c.send <- env:
	case <-c.done:
	default:
		h.logger.Warnf("Dropping %s event for slow client %s", t, id)
	}
}
