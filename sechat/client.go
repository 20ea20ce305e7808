// Package sechat is a client SDK for a room-based, session-authenticated
// chat protocol: cookie login on the main site, per-room socket tokens,
// a persistent push socket for the primary room and handshake joins for
// the rest, plus a rate-limit-aware send pipeline and best-effort
// lookups.
package sechat

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Client ties the session together. Construct it with NewClient, call
// Connect once, consume events through Subscribe and send through Send.
type Client struct {
	cfg    Config
	logger Logger

	transport *httpTransport
	auth      *AuthSession
	broker    *broker
	socket    *socketDispatcher
	pipeline  *sendPipeline
	lookup    *LookupService

	mu        sync.Mutex
	connected bool
}

// NewClient validates cfg and builds the client. The cookie jar and the
// site-directory cache live under cfg.DataDir, which is created if
// missing.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, WrapError(ErrorInvalidConfig, "create data dir", err)
	}
	transport, err := newHTTPTransport(cfg.cookiePath(), cfg.UserAgent)
	if err != nil {
		return nil, WrapError(ErrorInvalidConfig, "cookie session", err)
	}

	c := &Client{
		cfg:       cfg,
		logger:    noopLogger{},
		transport: transport,
		broker:    newBroker(),
	}
	sites := newSiteDirectory(cfg.sitesPath(), transport)
	c.auth = newAuthSession(cfg, transport, sites, c.logger)
	dispatcher := newDispatcher(cfg.roomSet(), c.broker, c.logger)
	c.socket = newSocketDispatcher(cfg, c.auth, dispatcher, c.broker, c.logger)
	c.pipeline = newSendPipeline(cfg, transport, c.auth, c.broker, c.logger)
	c.lookup = newLookupService(cfg, transport, c.auth, c.logger)
	return c, nil
}

// SetLogger overrides the logger (optional). Call before Connect.
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.logger = l
	c.auth.logger = l
	c.socket.logger = l
	c.socket.dispatcher.logger = l
	c.pipeline.logger = l
	c.lookup.logger = l
}

// Connect runs the full session setup: cookie login, the primary-room
// socket, presence handshakes for the remaining rooms, and identity
// resolution. The ready event fires once the socket is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return NewError(ErrorTransport, "already connected")
	}
	c.mu.Unlock()

	if err := c.auth.Login(ctx); err != nil {
		return err
	}
	c.broker.publish(Event{Type: EventMainLogin})
	if err := c.transport.SaveCookies(); err != nil {
		c.logger.Warn("cookie save failed", map[string]any{"error": err.Error()})
	}

	if err := c.socket.connect(ctx); err != nil {
		return err
	}
	for _, room := range c.cfg.Rooms[1:] {
		if err := c.joinRoom(ctx, room); err != nil {
			return err
		}
	}
	if _, err := c.auth.ResolveIdentity(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Subscribe registers for the named events; with no names it receives
// everything, server event types and lifecycle notifications alike.
// Cancel the subscription when done with it.
func (c *Client) Subscribe(eventNames ...string) *Subscription {
	return c.broker.subscribe(eventNames...)
}

// Send queues a message for the room and returns once it is queued.
// Delivery, throttle cooldowns and retries happen asynchronously; a
// send event is published on success and failures are logged.
func (c *Client) Send(ctx context.Context, roomID int, text string) error {
	return c.pipeline.enqueue(ctx, &sendRequest{roomID: roomID, text: text})
}

// SendWait queues a message and blocks until it is acknowledged or
// terminally rejected. The receipt reports how many attempts delivery
// took.
func (c *Client) SendWait(ctx context.Context, roomID int, text string) (*SendReceipt, error) {
	req := &sendRequest{roomID: roomID, text: text, done: make(chan sendResult, 1)}
	if err := c.pipeline.enqueue(ctx, req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.done:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply sends a threaded reply to the message carried by ev.
func (c *Client) Reply(ctx context.Context, ev Event, content string) error {
	if ev.Msg == nil {
		return NewError(ErrorSend, "reply target carries no message")
	}
	return c.Send(ctx, ev.Msg.RoomID, fmt.Sprintf(":%d %s", ev.Msg.MessageID, content))
}

// JoinRoom registers presence in an additional room at runtime.
func (c *Client) JoinRoom(ctx context.Context, roomID int) error {
	return c.joinRoom(ctx, roomID)
}

// State returns the socket dispatcher's connection state.
func (c *Client) State() ConnState { return c.socket.State() }

// Lookup exposes the best-effort query surface.
func (c *Client) Lookup() *LookupService { return c.lookup }

// Auth exposes the session for token and identity operations.
func (c *Client) Auth() *AuthSession { return c.auth }

// Close tears the session down: pending send retries are canceled, the
// socket is closed, cookies are flushed and all subscriptions end.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.pipeline.stop()
	err := c.socket.close()
	if saveErr := c.transport.SaveCookies(); saveErr != nil && err == nil {
		err = saveErr
	}
	c.broker.close()
	return err
}
