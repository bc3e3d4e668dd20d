package exchange

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

type relayConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *relayConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// relay pairs the two websocket sessions of one negotiated request.
type relay struct {
	mu    sync.Mutex
	peers map[string]*relayConn
}

func (h *Hub) joinRelay(requestID string, c *relayConn) ([]*relayConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.relays[requestID]
	if !ok {
		r = &relay{peers: make(map[string]*relayConn)}
		h.relays[requestID] = r
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[c.id]; ok {
		return nil, ErrClientExists
	}
	r.peers[c.id] = c

	if len(r.peers) < 2 {
		return nil, nil
	}
	pair := make([]*relayConn, 0, 2)
	for _, p := range r.peers {
		pair = append(pair, p)
	}
	return pair, nil
}

// leaveRelay removes c and closes the other side.
func (h *Hub) leaveRelay(requestID string, c *relayConn) {
	h.mu.Lock()
	r, ok := h.relays[requestID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	delete(r.peers, c.id)
	others := make([]*relayConn, 0, 1)
	for _, p := range r.peers {
		others = append(others, p)
	}
	if len(r.peers) == 0 {
		delete(h.relays, requestID)
	}
	r.mu.Unlock()
	h.mu.Unlock()

	for _, p := range others {
		_ = p.conn.Close()
	}
}

func (h *Hub) relayPeer(requestID, id string) *relayConn {
	h.mu.Lock()
	r, ok := h.relays[requestID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, p := range r.peers {
		if pid != id {
			return p
		}
	}
	return nil
}

func joinedFrame() []byte {
	payload, _ := protocol.EncodeControl(protocol.Control{Kind: protocol.ControlJoined})
	return protocol.EncodeFrame(protocol.FlagControl, payload)
}
