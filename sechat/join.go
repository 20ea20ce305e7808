package sechat

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// joinRoom registers the session's presence in a secondary room: it
// obtains a token, opens the room's socket and closes it again as soon
// as the open succeeds. No frames are read. The handshake does not
// retry; a failed open within the handshake timeout is the caller's to
// handle.
func (c *Client) joinRoom(ctx context.Context, roomID int) error {
	tok, err := c.auth.RoomToken(ctx, roomID)
	if err != nil {
		return err
	}

	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(dialCtx, tok.SocketURL+pollWindow, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {c.cfg.ChatURL}},
	})
	if err != nil {
		return WrapError(ErrorTransport, "join handshake", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "presence registered")

	c.logger.Info("joined room", map[string]any{"room": roomID})
	c.broker.publish(Event{Type: EventJoined, RoomID: roomID})
	return nil
}
