package control

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remotemedia/executor/core"
)

// WebSocketTransport implements Transport over a single long-lived
// WebSocket connection, for a control message crossing a network boundary
// to a remote foreign worker (as opposed to node/foreign's in-process
// shared-memory path). Writes are serialized, since a single
// *websocket.Conn must not be written to concurrently from multiple
// goroutines.
type WebSocketTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an already-established WebSocket connection.
// Dialing and the connection's lifecycle are the caller's responsibility.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// SendFrame writes the encoded control-message frame as a single binary
// WebSocket message. It honors ctx's deadline by installing it as the
// connection's write deadline for the duration of this call.
func (t *WebSocketTransport) SendFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return core.NewError("control.websocket_transport.send_frame", core.KindIPCError, "failed to set write deadline", err)
		}
	}

	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return core.NewError("control.websocket_transport.send_frame", core.KindIPCError, "websocket write failed", err)
	}
	return nil
}

// Close closes the underlying connection.
func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}
