package sechat

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// SendReceipt acknowledges a delivered message. Attempts counts the
// throttle retries it took; callers wanting a retry cap can watch it.
type SendReceipt struct {
	RoomID   int
	Text     string
	Attempts int
}

type sendResult struct {
	receipt *SendReceipt
	err     error
}

type sendRequest struct {
	roomID   int
	text     string
	attempts int
	done     chan sendResult // nil for fire-and-forget sends
}

var throttleRe = regexp.MustCompile(`You can perform this action again in (\d+) second`)

// parseThrottleDelay extracts the cooldown from a throttle body.
func parseThrottleDelay(body string) (time.Duration, bool) {
	m := throttleRe.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// sendPipeline serializes outbound messages per room. Each room gets
// one delivery goroutine, so a throttled message blocks everything
// queued behind it for that room and a retry can never be overtaken by
// a later send. Retries are unbounded in count but die with the
// pipeline context.
type sendPipeline struct {
	cfg       Config
	transport WebTransport
	auth      *AuthSession
	broker    *broker
	logger    Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[int]chan *sendRequest
	keys    map[int]string // per-room form tokens for the message endpoint
	stopped bool
}

func newSendPipeline(cfg Config, transport WebTransport, auth *AuthSession, b *broker, logger Logger) *sendPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &sendPipeline{
		cfg:       cfg,
		transport: transport,
		auth:      auth,
		broker:    b,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[int]chan *sendRequest),
		keys:      make(map[int]string),
	}
}

// enqueue hands a message to the room's delivery queue. It returns as
// soon as the message is queued; delivery, throttle waits and retries
// all happen behind the caller's back.
func (p *sendPipeline) enqueue(ctx context.Context, req *sendRequest) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return NewError(ErrorNotConnected, "send pipeline stopped")
	}
	q, ok := p.queues[req.roomID]
	if !ok {
		q = make(chan *sendRequest, 32)
		p.queues[req.roomID] = q
		p.wg.Add(1)
		go p.roomLoop(q)
	}
	p.mu.Unlock()

	select {
	case q <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return NewError(ErrorNotConnected, "send pipeline stopped")
	}

	// The pipeline may have stopped between the stopped check and the
	// push; the room loop is gone then, so fail the stragglers here.
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		p.failPending(q)
	}
	return nil
}

func (p *sendPipeline) roomLoop(q chan *sendRequest) {
	defer p.wg.Done()
	for {
		select {
		case req := <-q:
			res := p.deliver(req)
			if req.done != nil {
				req.done <- res
			} else if res.err != nil {
				p.logger.Error("send failed", map[string]any{
					"room": req.roomID, "error": res.err.Error(),
				})
			}
		case <-p.ctx.Done():
			p.failPending(q)
			return
		}
	}
}

// failPending delivers the shutdown error to every request still
// sitting in the queue, so no SendWait caller is left hanging.
func (p *sendPipeline) failPending(q chan *sendRequest) {
	for {
		select {
		case req := <-q:
			if req.done != nil {
				req.done <- sendResult{err: NewError(ErrorNotConnected, "send pipeline stopped")}
			}
		default:
			return
		}
	}
}

// deliver posts the message, absorbing throttles: each throttle body
// yields exactly one retry of the identical payload after the reported
// cooldown plus a small epsilon. Any other rejection invalidates the
// cached room key and retries once with a fresh scrape (the server
// expires keys); a rejection with a fresh key is terminal.
func (p *sendPipeline) deliver(req *sendRequest) sendResult {
	rescrapedKey := false
	for {
		req.attempts++
		fkey, err := p.roomKey(req.roomID)
		if err != nil {
			return sendResult{err: err}
		}
		resp, err := p.transport.Do(p.ctx, Request{
			Method: "POST",
			URL:    fmt.Sprintf("%s/chats/%d/messages/new", p.cfg.ChatURL, req.roomID),
			Form: url.Values{
				"text": {req.text},
				"fkey": {fkey},
			},
		})
		if err != nil {
			return sendResult{err: WrapError(ErrorTransport, "post message", err)}
		}
		if resp.Status < 400 {
			p.logger.Debug("sent", map[string]any{"room": req.roomID, "attempts": req.attempts})
			p.broker.publish(Event{Type: EventSend, RoomID: req.roomID, Text: req.text})
			return sendResult{receipt: &SendReceipt{
				RoomID:   req.roomID,
				Text:     req.text,
				Attempts: req.attempts,
			}}
		}

		body := string(resp.Body)
		delay, ok := parseThrottleDelay(body)
		if !ok {
			if !rescrapedKey {
				rescrapedKey = true
				p.invalidateKey(req.roomID)
				continue
			}
			return sendResult{err: NewError(ErrorSend,
				fmt.Sprintf("room %d rejected message with status %d: %s", req.roomID, resp.Status, body))}
		}
		p.logger.Warn("throttled", map[string]any{
			"room": req.roomID, "delay": delay.String(), "attempt": req.attempts,
		})
		timer := time.NewTimer(delay + p.cfg.RetryEpsilon)
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
			return sendResult{err: NewError(ErrorNotConnected, "shutdown while waiting out throttle")}
		}
	}
}

// roomKey returns the room's message form token, scraping it on first
// use. Tokens are per room; one room's key is never used for another.
func (p *sendPipeline) roomKey(roomID int) (string, error) {
	p.mu.Lock()
	if key, ok := p.keys[roomID]; ok {
		p.mu.Unlock()
		return key, nil
	}
	p.mu.Unlock()

	key, err := p.auth.RoomKey(p.ctx, roomID)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.keys[roomID] = key
	p.mu.Unlock()
	return key, nil
}

func (p *sendPipeline) invalidateKey(roomID int) {
	p.mu.Lock()
	delete(p.keys, roomID)
	p.mu.Unlock()
}

// stop cancels pending retries and waits for the room loops to exit.
func (p *sendPipeline) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
