package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// subscriptionBuffer is the per-subscriber channel depth. A reader that
// services its channel promptly keeps up with bursty publishers (retention
// sweeps, batch appends); one that stops draining loses events instead of
// blocking the store's write path.
const subscriptionBuffer = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is a registered listener. Events arrive on Ch until
// Unsubscribe closes it.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel events are delivered on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because this subscriber's
// buffer was full at publish time.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans store notifications out to in-process subscribers with topic
// prefix matching. The store publishes here after commit; subscribers (the
// daemon log tail, the review tracker's escalation consumers) observe
// without polling.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for topics starting with the given prefix.
// An empty prefix receives every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, subscriptionBuffer),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the listener and closes its channel. Passing nil or an
// already removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers the event to every matching subscriber without blocking.
// A full subscriber buffer counts the event as dropped for that subscriber.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
