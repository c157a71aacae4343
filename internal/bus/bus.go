// Package bus is the in-process publish/subscribe fan-out for state
// transitions. Events for one aggregate reach every subscriber in emit order;
// a slow subscriber loses its oldest buffered events (replaced by a gap
// marker) instead of blocking publication to the rest.
package bus

import (
	"sync"
	"time"
)

// Event is the typed notification delivered to subscribers.
type Event struct {
	Type        string    `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	Repo        string    `json:"repo,omitempty"`
	PRNumber    int       `json:"pr_number,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Status      string    `json:"status,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// Gap marks a synthetic event inserted where this subscriber's buffer
	// overflowed and older events were dropped.
	Gap bool `json:"gap,omitempty"`
}

// TypeGap is the type of the synthetic overflow marker.
const TypeGap = "gap"

// Subscription is one subscriber's ordered, bounded event feed.
type Subscription struct {
	C <-chan Event

	topic string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// Close detaches the subscription from the bus and releases its buffer.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus fans events out per topic.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

// DefaultBuffer is the per-subscriber buffer size used when New is given a
// non-positive value.
const DefaultBuffer = 256

// New creates a Bus with the given per-subscriber buffer capacity.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	// Publish needs headroom for an event plus its gap marker.
	if buffer < 2 {
		buffer = 2
	}
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber on a topic. The returned subscription
// receives every event published after this call, in publish order, until
// closed.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, b.buffer),
		bus:   b,
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every current subscriber of the topic.
// Delivery is at-least-once per subscriber and never blocks: a full buffer
// drops the subscriber's oldest events and enqueues a gap marker ahead of
// the new event.
func (b *Bus) Publish(topic string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[topic] {
		// Need room for the event plus a possible gap marker.
		dropped := false
		for len(sub.ch) > cap(sub.ch)-2 {
			select {
			case <-sub.ch:
				dropped = true
			default:
			}
		}
		if dropped {
			sub.ch <- Event{Type: TypeGap, AggregateID: ev.AggregateID, Timestamp: time.Now().UTC(), Gap: true}
		}
		sub.ch <- ev
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}
