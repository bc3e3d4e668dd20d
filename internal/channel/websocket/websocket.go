// Package websocket implements channel.Channel over the exchange's relay
// endpoint, for peers that cannot reach each other directly.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

const writeWait = 10 * time.Second

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *conn) Close() error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

// Dial opens the relay session at url and returns once the relay reports
// that the other participant has joined.
func Dial(ctx context.Context, url string, logger *logrus.Logger) (*channel.Mux, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dialer := *websocket.DefaultDialer
	dialer.ReadBufferSize = 65536
	dialer.WriteBufferSize = 65536

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open relay: %w (%s)", err, resp.Status)
		}
		return nil, fmt.Errorf("failed to open relay: %w", err)
	}

	mux := channel.NewMux(channel.KindWebSocket, &conn{ws: ws}, logger)
	joined := mux.Expect(protocol.FlagControl, func(payload []byte) bool {
		msg, err := protocol.DecodeControl(payload)
		return err == nil && msg.Kind == protocol.ControlJoined
	})
	go readLoop(ws, mux)

	if _, err := joined.Wait(ctx); err != nil {
		mux.Fail(err)
		return nil, fmt.Errorf("waiting for peer to join relay: %w", err)
	}
	logger.Debugf("Relay session open")
	return mux, nil
}

func readLoop(ws *websocket.Conn, mux *channel.Mux) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			mux.Fail(err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		mux.Dispatch(data)
	}
}
