package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WriteTimeout bounds a single frame write when ctx has no deadline.
	WriteTimeout = 10 * time.Second
	// MaxFrameSize bounds an inbound frame; export bundles are the largest.
	MaxFrameSize = 64 << 20
)

// Upgrader accepts sync WebSocket connections. Peers are authenticated by
// bearer token, not by origin.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSConn carries one frame per binary WebSocket message.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an established connection.
func NewWSConn(c *websocket.Conn) *WSConn {
	c.SetReadLimit(MaxFrameSize)
	return &WSConn{conn: c}
}

// DialWS connects to a sync endpoint with a bearer token.
func DialWS(ctx context.Context, url, token string) (*WSConn, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(c), nil
}

func (w *WSConn) ReadFrame() ([]byte, error) {
	for {
		typ, b, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (w *WSConn) WriteFrame(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(WriteTimeout)
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a normal close message and closes the socket.
func (w *WSConn) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}
