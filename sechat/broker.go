package sechat

import "sync"

const defaultSubscriptionBuffer = 64

// Subscription is one consumer's view of the event stream. Cancel it
// when done; an abandoned subscription keeps receiving (and dropping)
// events until the client closes.
type Subscription struct {
	broker *broker
	names  map[string]bool // nil means all events
	ch     chan Event
	once   sync.Once
}

// C returns the channel events arrive on. It is closed on Cancel and
// when the client shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.ch)
	})
}

func (s *Subscription) wants(name string) bool {
	return s.names == nil || s.names[name]
}

// broker fans events out to subscriptions. Publishing never blocks: a
// subscriber that lets its buffer fill misses events rather than
// stalling the dispatcher.
type broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[*Subscription]struct{})}
}

func (b *broker) subscribe(names ...string) *Subscription {
	sub := &Subscription{
		broker: b,
		ch:     make(chan Event, defaultSubscriptionBuffer),
	}
	if len(names) > 0 {
		sub.names = make(map[string]bool, len(names))
		for _, n := range names {
			sub.names[n] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, sub)
	}
	// Closing outside the lock: a concurrent Cancel holds the sub's
	// once while it waits for the lock in remove.
	b.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}
