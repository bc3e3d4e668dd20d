package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
}

type Config struct {
	Addr   string
	Logger *logrus.Logger
}

type Server struct {
	config   Config
	logger   *logrus.Logger
	hub      *Hub
	listener net.Listener
	http     *http.Server
}

// NewServer binds cfg.Addr immediately so Addr is valid before Start.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		hub:      NewHub(logger),
		listener: listener,
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: writeWait}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL is the base address clients use.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Exchange listening on %s", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		_ = s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down exchange")
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler serves the exchange API. It is usable without Start, for example
// behind httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/accept", s.handleAccept)
	mux.HandleFunc("POST /api/reject", s.handleReject)
	mux.HandleFunc("POST /api/signal", s.handleSignal)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /relay/{id}", s.handleRelay)
	return mux
}

// NewHandler returns a standalone exchange handler with its own hub.
func NewHandler(logger *logrus.Logger) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{logger: logger, hub: NewHub(logger)}
	return s.Handler()
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req protocol.ConnectRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.hub.connect(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, protocol.ConnectResponse{RequestID: id})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req protocol.AcceptRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.hub.accept(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, n)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req protocol.RejectRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.hub.reject(req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig protocol.RelayedSignal
	if !decode(w, r, &sig) {
		return
	}
	if err := s.hub.relaySignal(sig); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("client_id")
	if id == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	// Registered before the upgrade completes so the client can be
	// addressed as soon as its dial returns.
	c := &client{
		id:   id,
		send: make(chan protocol.Envelope, clientQueueSize),
		done: make(chan struct{}),
	}
	if err := s.hub.register(c); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade event stream: %v", err)
		s.hub.unregister(id)
		return
	}
	c.conn = conn

	go s.writeEvents(c)
	s.readEvents(c)
}

// readEvents only watches for the client going away.
func (s *Server) readEvents(c *client) {
	defer func() {
		s.hub.unregister(c.id)
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeEvents(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				s.logger.Debugf("Failed to push event to %s: %v", c.id, err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	id := r.URL.Query().Get("client_id")
	if _, err := s.hub.negotiated(requestID, id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade relay: %v", err)
		return
	}
	c := &relayConn{id: id, conn: conn}

	pair, err := s.hub.joinRelay(requestID, c)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer s.hub.leaveRelay(requestID, c)
	defer conn.Close()

	if pair != nil {
		s.logger.Infof("Relay %s paired", requestID)
		frame := joinedFrame()
		for _, p := range pair {
			if err := p.write(websocket.BinaryMessage, frame); err != nil {
				s.logger.Debugf("Failed to notify %s of pairing: %v", p.id, err)
			}
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		peer := s.hub.relayPeer(requestID, id)
		if peer == nil {
			continue
		}
		if err := peer.write(messageType, data); err != nil {
			s.logger.Debugf("Failed to forward frame to %s: %v", peer.id, err)
			return
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownClient), errors.Is(err, ErrUnknownRequest):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, ErrClientExists):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
