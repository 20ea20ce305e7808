package internal

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Conn wraps websocket.Conn with an optional per-read timeout. The chat
// protocol is push-only on the socket; outbound traffic goes over HTTP.
type Conn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
}

func NewConn(ws *websocket.Conn, readTimeout time.Duration) *Conn {
	return &Conn{ws: ws, readTimeout: readTimeout}
}

// ReadFrame returns the next raw frame. With readTimeout 0 it blocks
// until a frame arrives or ctx is canceled.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
