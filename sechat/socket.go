package sechat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/sechat/sechat-go/sechat/internal"
)

// pollWindow is appended to every socket URL so the server pushes
// instead of expecting the client to poll.
const pollWindow = "?l=99999999999"

// socketDispatcher owns the persistent socket to the primary room and
// feeds every received frame to the dispatcher. It never reconnects on
// its own: reconnect storms are for the owning process to pace.
type socketDispatcher struct {
	cfg        Config
	auth       *AuthSession
	dispatcher *dispatcher
	broker     *broker
	logger     Logger

	mu        sync.Mutex
	state     ConnState
	closeCode int
	conn      *internal.Conn
	cancel    context.CancelFunc
}

func newSocketDispatcher(cfg Config, auth *AuthSession, d *dispatcher, b *broker, logger Logger) *socketDispatcher {
	return &socketDispatcher{cfg: cfg, auth: auth, dispatcher: d, broker: b, logger: logger}
}

// connect obtains a token for the primary room, dials its socket URL
// and starts the read loop. On success the dispatcher is Open and
// socket-open plus ready have been published.
func (s *socketDispatcher) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateOpen {
		s.mu.Unlock()
		return NewError(ErrorTransport, "already connected")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	tok, err := s.auth.RoomToken(ctx, s.cfg.primaryRoom())
	if err != nil {
		s.setState(StateDisconnected, 0)
		return err
	}

	dialCtx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(dialCtx, tok.SocketURL+pollWindow, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {s.cfg.ChatURL}},
	})
	if err != nil {
		s.setState(StateDisconnected, 0)
		return WrapError(ErrorTransport, "dial room socket", err)
	}
	conn := internal.NewConn(ws, s.cfg.ReadTimeout)

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.state = StateOpen
	s.mu.Unlock()

	s.logger.Info("socket open", map[string]any{"room": tok.RoomID})
	s.broker.publish(Event{Type: EventSocketOpen, RoomID: tok.RoomID})
	s.broker.publish(Event{Type: EventReady, RoomID: tok.RoomID})
	go s.readLoop(runCtx, conn)
	return nil
}

func (s *socketDispatcher) readLoop(ctx context.Context, conn *internal.Conn) {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			s.handleReadError(ctx, err)
			return
		}
		s.dispatcher.dispatchFrame(frame)
	}
}

func (s *socketDispatcher) handleReadError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// close() already published the close notification.
		return
	}
	closeCode := int(websocket.CloseStatus(err))
	switch {
	case closeCode != -1:
	case errors.Is(err, io.EOF):
		closeCode = 0
	default:
		// A failed read without a close frame (reset, aborted
		// connection) still leaves the socket unusable. Surface the
		// error, then close out the state machine: the owner drives
		// reconnection off the close notification.
		s.logger.Warn("socket error", map[string]any{"error": err.Error()})
		s.broker.publish(Event{Type: EventSocketError, Err: WrapError(ErrorTransport, "socket read", err)})
		closeCode = int(websocket.StatusAbnormalClosure)
	}
	s.setState(StateClosed, closeCode)
	s.logger.Warn("socket closed", map[string]any{"code": closeCode})
	s.broker.publish(Event{Type: EventSocketClose, Code: closeCode})
}

// State returns the connection state.
func (s *socketDispatcher) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseCode returns the code the socket closed with, 0 if still open.
func (s *socketDispatcher) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *socketDispatcher) setState(state ConnState, code int) {
	s.mu.Lock()
	s.state = state
	s.closeCode = code
	s.mu.Unlock()
}

// close shuts the socket down from the owning process's side.
func (s *socketDispatcher) close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	wasOpen := s.state == StateOpen
	s.state = StateClosed
	s.closeCode = int(websocket.StatusNormalClosure)
	s.mu.Unlock()

	if !wasOpen || conn == nil {
		return nil
	}
	s.broker.publish(Event{Type: EventSocketClose, Code: int(websocket.StatusNormalClosure)})
	return conn.Close(websocket.StatusNormalClosure, "client close")
}
