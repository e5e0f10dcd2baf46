package stream

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSWriter encodes events as JSON text frames on a WebSocket connection.
// Same protocol and termination guarantees as the SSE writer; the transport
// is the only difference.
type WSWriter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSWriter wraps an upgraded connection.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

// Send writes one event frame.
func (w *WSWriter) Send(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.conn.WriteJSON(ev); err != nil {
		w.closed = true
		return ErrClosed
	}
	if ev.Type.Terminal() {
		w.closed = true
	}
	return nil
}

// Close closes the underlying connection.
func (w *WSWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.conn.Close()
}
