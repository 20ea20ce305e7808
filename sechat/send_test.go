package sechat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport scripts HTTP exchanges without a network.
type fakeTransport struct {
	mu      sync.Mutex
	handler func(req Request) (*Response, error)

	requests []Request
	times    []time.Time
}

func (f *fakeTransport) Do(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.times = append(f.times, time.Now())
	handler := f.handler
	f.mu.Unlock()
	return handler(req)
}

func (f *fakeTransport) posted(urlSuffix string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.requests {
		if r.Method == "POST" && strings.HasSuffix(r.URL, urlSuffix) {
			out = append(out, r)
		}
	}
	return out
}

func htmlWithFKey(key string) *Response {
	return &Response{
		Status: 200,
		Body:   []byte(fmt.Sprintf(`<html><body><input id="fkey" name="fkey" value=%q></body></html>`, key)),
	}
}

// newTestPipeline builds a pipeline over ft with an authenticated
// session. ft.handler must at least answer the login and room pages.
func newTestPipeline(t *testing.T, ft *fakeTransport) (*sendPipeline, *broker) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SiteURL = "http://site.example"
	cfg.ChatURL = "http://chat.example"
	cfg.Rooms = []int{42}
	cfg.RetryEpsilon = 10 * time.Millisecond

	sites := newSiteDirectory(t.TempDir()+"/sites.json", ft)
	auth := newAuthSession(cfg, ft, sites, noopLogger{})
	if err := auth.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	b := newBroker()
	p := newSendPipeline(cfg, ft, auth, b, noopLogger{})
	t.Cleanup(p.stop)
	return p, b
}

// route answers the fixed endpoints every pipeline test needs: an
// already-authenticated login page and the room fkey page.
func route(messages func(req Request) (*Response, error)) func(Request) (*Response, error) {
	return func(req Request) (*Response, error) {
		switch {
		case strings.Contains(req.URL, "/users/login"):
			return &Response{Status: 200, FinalURL: "http://site.example/"}, nil
		case strings.Contains(req.URL, "/rooms/42"):
			return htmlWithFKey("fkey-42"), nil
		case strings.Contains(req.URL, "/messages/new"):
			return messages(req)
		default:
			return &Response{Status: 404}, nil
		}
	}
}

const throttleBody = `{"id":null,"time":null} You can perform this action again in 1 seconds.`

func TestSendThrottleRetriesExactlyOnce(t *testing.T) {
	ft := &fakeTransport{}
	var mu sync.Mutex
	var posts int
	var postTimes []time.Time
	ft.handler = route(func(req Request) (*Response, error) {
		mu.Lock()
		defer mu.Unlock()
		posts++
		postTimes = append(postTimes, time.Now())
		if posts == 1 {
			return &Response{Status: 409, Body: []byte(throttleBody)}, nil
		}
		return &Response{Status: 200, Body: []byte(`{"id":1,"time":1}`)}, nil
	})
	p, b := newTestPipeline(t, ft)
	sent := b.subscribe(EventSend)
	defer sent.Cancel()

	req := &sendRequest{roomID: 42, text: "hello", done: make(chan sendResult, 1)}
	if err := p.enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := <-req.done
	if res.err != nil {
		t.Fatalf("send failed: %v", res.err)
	}
	if res.receipt.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.receipt.Attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	if posts != 2 {
		t.Fatalf("server saw %d posts, want 2 (one send, one retry)", posts)
	}
	if gap := postTimes[1].Sub(postTimes[0]); gap < time.Second {
		t.Fatalf("retry after %v, want >= 1s", gap)
	}
	for _, post := range ft.posted("/messages/new") {
		if got := post.Form.Get("text"); got != "hello" {
			t.Fatalf("retried payload changed: %q", got)
		}
		if got := post.Form.Get("fkey"); got != "fkey-42" {
			t.Fatalf("wrong room key: %q", got)
		}
	}

	select {
	case ev := <-sent.C():
		if ev.RoomID != 42 || ev.Text != "hello" {
			t.Fatalf("bad send event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no send event published")
	}
	select {
	case ev := <-sent.C():
		t.Fatalf("duplicate send event: %+v", ev)
	default:
	}
}

func TestSendThrottledMessageIsNotOvertaken(t *testing.T) {
	ft := &fakeTransport{}
	var mu sync.Mutex
	var order []string
	throttledOnce := false
	ft.handler = route(func(req Request) (*Response, error) {
		mu.Lock()
		defer mu.Unlock()
		text := req.Form.Get("text")
		if text == "A" && !throttledOnce {
			throttledOnce = true
			order = append(order, "A-throttled")
			return &Response{Status: 409, Body: []byte(throttleBody)}, nil
		}
		order = append(order, text)
		return &Response{Status: 200, Body: []byte(`{}`)}, nil
	})
	p, _ := newTestPipeline(t, ft)

	reqA := &sendRequest{roomID: 42, text: "A", done: make(chan sendResult, 1)}
	reqB := &sendRequest{roomID: 42, text: "B", done: make(chan sendResult, 1)}
	if err := p.enqueue(context.Background(), reqA); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if err := p.enqueue(context.Background(), reqB); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	if res := <-reqA.done; res.err != nil {
		t.Fatalf("A failed: %v", res.err)
	}
	if res := <-reqB.done; res.err != nil {
		t.Fatalf("B failed: %v", res.err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"A-throttled", "A", "B"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSendTerminalRejectionStopsAfterKeyRefresh(t *testing.T) {
	ft := &fakeTransport{}
	var mu sync.Mutex
	var posts int
	ft.handler = route(func(req Request) (*Response, error) {
		mu.Lock()
		defer mu.Unlock()
		posts++
		return &Response{Status: 500, Body: []byte("internal error")}, nil
	})
	p, _ := newTestPipeline(t, ft)

	req := &sendRequest{roomID: 42, text: "doomed", done: make(chan sendResult, 1)}
	if err := p.enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := <-req.done
	if res.err == nil {
		t.Fatal("expected terminal error")
	}
	if !hasCode(res.err, ErrorSend) {
		t.Fatalf("wrong error code: %v", res.err)
	}
	// One attempt with the cached key, one with a fresh scrape, then
	// the rejection is terminal.
	mu.Lock()
	defer mu.Unlock()
	if posts != 2 {
		t.Fatalf("server saw %d posts, want 2", posts)
	}
}

func TestSendRescrapesExpiredRoomKey(t *testing.T) {
	ft := &fakeTransport{}
	var mu sync.Mutex
	var keyScrapes, posts int
	ft.handler = func(req Request) (*Response, error) {
		switch {
		case strings.Contains(req.URL, "/users/login"):
			return &Response{Status: 200, FinalURL: "http://site.example/"}, nil
		case strings.Contains(req.URL, "/rooms/42"):
			mu.Lock()
			defer mu.Unlock()
			keyScrapes++
			if keyScrapes == 1 {
				return htmlWithFKey("stale-key"), nil
			}
			return htmlWithFKey("fresh-key"), nil
		case strings.Contains(req.URL, "/messages/new"):
			mu.Lock()
			defer mu.Unlock()
			posts++
			if req.Form.Get("fkey") != "fresh-key" {
				return &Response{Status: 403, Body: []byte("key expired")}, nil
			}
			return &Response{Status: 200, Body: []byte(`{"id":1,"time":1}`)}, nil
		default:
			return &Response{Status: 404}, nil
		}
	}
	p, _ := newTestPipeline(t, ft)

	req := &sendRequest{roomID: 42, text: "hello", done: make(chan sendResult, 1)}
	if err := p.enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := <-req.done
	if res.err != nil {
		t.Fatalf("send failed despite fresh key: %v", res.err)
	}

	mu.Lock()
	defer mu.Unlock()
	if keyScrapes != 2 {
		t.Fatalf("room key scraped %d times, want 2", keyScrapes)
	}
	if posts != 2 {
		t.Fatalf("server saw %d posts, want 2 (stale then fresh)", posts)
	}
}

func TestSendStopReleasesQueuedWaiters(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = route(func(req Request) (*Response, error) {
		return &Response{Status: 409, Body: []byte("You can perform this action again in 30 seconds.")}, nil
	})
	p, _ := newTestPipeline(t, ft)

	var reqs []*sendRequest
	for i := 0; i < 6; i++ {
		req := &sendRequest{roomID: 42, text: fmt.Sprintf("m%d", i), done: make(chan sendResult, 1)}
		if err := p.enqueue(context.Background(), req); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		reqs = append(reqs, req)
	}
	time.Sleep(50 * time.Millisecond) // let the first delivery hit the throttle
	p.stop()

	// Every waiter gets the shutdown error, the queued ones included.
	for i, req := range reqs {
		select {
		case res := <-req.done:
			if res.err == nil {
				t.Fatalf("waiter %d resolved without error after stop", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never released after stop", i)
		}
	}
}

func TestSendStopCancelsPendingRetry(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = route(func(req Request) (*Response, error) {
		return &Response{Status: 409, Body: []byte("You can perform this action again in 30 seconds.")}, nil
	})
	p, _ := newTestPipeline(t, ft)

	req := &sendRequest{roomID: 42, text: "stuck", done: make(chan sendResult, 1)}
	if err := p.enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the first attempt hit the throttle
	p.stop()

	select {
	case res := <-req.done:
		if res.err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry was not canceled by stop")
	}
}

func TestParseThrottleDelay(t *testing.T) {
	if d, ok := parseThrottleDelay("You can perform this action again in 5 seconds."); !ok || d != 5*time.Second {
		t.Fatalf("got %v %v", d, ok)
	}
	if d, ok := parseThrottleDelay("You can perform this action again in 1 second."); !ok || d != time.Second {
		t.Fatalf("singular form: got %v %v", d, ok)
	}
	if _, ok := parseThrottleDelay("room is in timeout"); ok {
		t.Fatal("unrelated error parsed as throttle")
	}
}
