package router

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConn wraps a gorilla websocket connection with a write lock and a
// teardown flag. gorilla allows one concurrent writer; every sender in this
// process goes through Send.
type WSConn struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.New().String(), conn: conn}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil // teardown in progress, reply discarded
	}
	return c.conn.WriteJSON(v)
}

// ReadJSON reads the next frame into v. Reads are single-consumer (the
// connection's read loop) and need no lock.
func (c *WSConn) ReadJSON(v any) error {
	return c.conn.ReadJSON(v)
}

func (c *WSConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// MarkClosed flags the connection as unusable for writes. Called by the
// read loop on its way out so in-flight broadcasts skip this conn.
func (c *WSConn) MarkClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Close sends a close frame and tears the connection down.
func (c *WSConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	return c.conn.Close()
}
