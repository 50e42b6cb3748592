package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// maxMessageSize caps inbound frames; stations only send the handshake.
	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by Conn.ReadText once the remote side has closed the
// channel.
var ErrClosed = errors.New("connection closed")

// errNotText is returned for inbound binary frames.
var errNotText = errors.New("expected a text frame")

// Conn is a full-duplex text channel to one ground station.
type Conn interface {
	// ReadText blocks until the next text frame, a close signal (ErrClosed)
	// or a transport fault.
	ReadText(ctx context.Context) ([]byte, error)
	// WriteText sends one text frame. Concurrent calls are serialized.
	WriteText(ctx context.Context, data []byte) error
	// Close sends a close frame with code and reason and releases the
	// channel. It is safe to call more than once.
	Close(code int, reason string) error
	// Open reports whether the channel is still usable.
	Open() bool
}

// wsConn adapts a gorilla websocket to Conn.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// NewWebsocketConn wraps an upgraded websocket.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	ws.SetReadLimit(maxMessageSize)
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadText(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		c.closed.Store(true)
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, errNotText
	}
	return data, nil
}

func (c *wsConn) WriteText(ctx context.Context, data []byte) error {
	if !c.Open() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) Open() bool { return !c.closed.Load() }
