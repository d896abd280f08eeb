package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the Voice Live endpoint with gorilla/websocket.
type WebsocketDialer struct {
	dialer websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebsocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("voice live dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("voice live dial failed: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	return conn, nil
}
