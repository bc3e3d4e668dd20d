package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

// ErrExchangeClosed is reported by consumers whose event stream ended.
var ErrExchangeClosed = errors.New("exchange connection closed")

const subscriberBuffer = 256

type ClientConfig struct {
	// URL is the http(s) base address of the exchange.
	URL string
	// ClientID identifies this client. A random one is generated if empty.
	ClientID   string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client is an Exchange backed by the exchange's HTTP API and its websocket
// event stream. Every Client is independent; Open starts the event stream
// and Close ends it.
type Client struct {
	base   *url.URL
	id     string
	http   *http.Client
	logger *logrus.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int]chan Event
	nextID int
	closed bool
	done   chan struct{}
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing exchange url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("exchange url must be http or https, got %q", cfg.URL)
	}

	id := cfg.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		base:   base,
		id:     id,
		http:   httpClient,
		logger: logger,
		subs:   make(map[int]chan Event),
		done:   make(chan struct{}),
	}, nil
}

func (c *Client) ClientID() string {
	return c.id
}

// Open connects the event stream. It must be called before waiting on any
// events.
func (c *Client) Open(ctx context.Context) error {
	u := c.wsURL("/events", url.Values{"client_id": {c.id}})
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to exchange: %w (%s)", err, resp.Status)
		}
		return fmt.Errorf("connecting to exchange: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Infof("Connected to exchange %s as %s", c.base, c.id)
	go c.readLoop(conn)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.closed = true
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := conn.Close()
	<-c.done
	return err
}

func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		close(ch)
		return ch, func() {}
	default:
	}

	id := c.nextID
	c.nextID++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Client) Request(ctx context.Context, target string, supportsRTC bool) (string, error) {
	var resp protocol.ConnectResponse
	req := protocol.ConnectRequest{ClientID: c.id, TargetID: target, SupportsRTC: supportsRTC}
	if err := c.post(ctx, "/api/connect", req, &resp); err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

func (c *Client) Accept(ctx context.Context, requestID string, supportsRTC bool) error {
	req := protocol.AcceptRequest{RequestID: requestID, ClientID: c.id, SupportsRTC: supportsRTC}
	return c.post(ctx, "/api/accept", req, nil)
}

func (c *Client) Reject(ctx context.Context, requestID string) error {
	req := protocol.RejectRequest{RequestID: requestID, ClientID: c.id}
	return c.post(ctx, "/api/reject", req, nil)
}

func (c *Client) Relay(ctx context.Context, requestID, to string, signal protocol.Signal) error {
	req := protocol.RelayedSignal{RequestID: requestID, From: c.id, To: to, Signal: signal}
	return c.post(ctx, "/api/signal", req, nil)
}

func (c *Client) RelayURL(requestID string) string {
	return c.wsURL("/relay/"+url.PathEscape(requestID), url.Values{"client_id": {c.id}})
}

func (c *Client) wsURL(path string, query url.Values) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	u := *c.base
	u.Path += path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.shutdown()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warnf("Exchange connection lost: %v", err)
			}
			return
		}

		ev, err := decodeEvent(env)
		if err != nil {
			c.logger.Warnf("Ignoring exchange event: %v", err)
			continue
		}
		c.publish(ev)
	}
}

func (c *Client) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warnf("Dropping %T event for a slow subscriber", ev)
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	close(c.done)
}

func decodeEvent(env protocol.Envelope) (Event, error) {
	switch env.Type {
	case protocol.EventRequest:
		var ev IncomingRequest
		err := json.Unmarshal(env.Data, &ev.IncomingRequest)
		return ev, err
	case protocol.EventNegotiated:
		var ev Negotiated
		err := json.Unmarshal(env.Data, &ev.Negotiated)
		return ev, err
	case protocol.EventRejected:
		var ev Rejected
		err := json.Unmarshal(env.Data, &ev.RequestID)
		return ev, err
	case protocol.EventSignal:
		var ev Relayed
		err := json.Unmarshal(env.Data, &ev.RelayedSignal)
		return ev, err
	case protocol.EventDisconnected:
		var ev Disconnected
		err := json.Unmarshal(env.Data, &ev.ClientID)
		return ev, err
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

var _ Exchange = (*Client)(nil)
