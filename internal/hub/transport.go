// Package hub multiplexes logical per-entity subscriptions over one
// resilient push connection. This file defines the transport seam the hub
// runs on, plus the production WebSocket implementation. Tests substitute
// an in-memory fake transport.
package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one established message-oriented connection to the upstream
// push source.
type Conn interface {
	// ReadMessage blocks until the next inbound message or a transport
	// failure. A failed read means the connection is dead.
	ReadMessage() ([]byte, error)

	// WriteJSON sends one outbound control message. Safe for concurrent
	// use.
	WriteJSON(v interface{}) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport establishes connections to the upstream push source.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketTransport dials the upstream tracking WebSocket endpoint.
type WebSocketTransport struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Header carries extra handshake headers (e.g. service credentials).
	Header http.Header

	dialer *websocket.Dialer
}

// NewWebSocketTransport constructs a transport for the given endpoint
// using the default dialer.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, dialer: websocket.DefaultDialer}
}

// Dial opens a WebSocket connection, honoring ctx for the handshake.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	d := t.dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	c, resp, err := d.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

// wsConn adapts *websocket.Conn to the hub's Conn interface. gorilla
// permits only one concurrent writer, so writes are serialized here.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
