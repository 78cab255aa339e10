// Package stream keeps websocket feeds connected and routes their messages
// into the pipeline's transform and publish path.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is an open message stream.
type Conn interface {
	// ReadMessage blocks for the next data frame. Any error ends the
	// connection.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Ensure WebsocketDialer implements Dialer at compile time.
var _ Dialer = (*WebsocketDialer)(nil)

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer      *websocket.Dialer
	Header      http.Header
	ReadTimeout time.Duration
}

// NewWebsocketDialer returns a dialer using websocket.DefaultDialer.
// A zero readTimeout waits forever.
func NewWebsocketDialer(readTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{Dialer: websocket.DefaultDialer, ReadTimeout: readTimeout}
}

// Dial connects to endpoint (ws:// or wss://).
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &wsConn{ws: ws, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return nil, err
			}
		}
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			// empty frames are keepalives
			if len(message) == 0 {
				continue
			}
			return message, nil
		}
	}
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
