// Package bus is the kiosk notification fan-out.
//
// Publish never blocks: each subscriber owns a buffered channel and a notification that
// does not fit is dropped for that subscriber only. Observers that miss notifications can
// always read the current session snapshot instead.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Subscription is a registered observer.
type Subscription struct {
	id     string
	topics map[string]bool // empty means every topic
	ch     chan Notification
	stats  SubscriberStats
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Notification { return s.ch }

func (s *Subscription) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Bus distributes notifications to subscribers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscription
	seq         uint64
	published   uint64
	closed      bool
	now         func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscription),
		now:         time.Now,
	}
}

// Subscribe registers id with a buffer of the given size for the listed topics
// (all topics when none are given).
func (b *Bus) Subscribe(id string, buffer int, topics ...string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		id:     id,
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan Notification, buffer),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	b.subscribers[id] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	close(sub.ch)
	return nil
}

// Publish delivers a notification to every interested subscriber without blocking.
// Holding the bus mutex for the whole fan-out keeps per-topic delivery in publish order.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	b.published++
	n := Notification{
		ID:        uuid.NewString(),
		Seq:       b.seq,
		Topic:     topic,
		Timestamp: b.now(),
		Payload:   payload,
	}

	for _, sub := range b.subscribers {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- n:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// HasSubscribers reports whether anyone would receive topic.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if sub.wants(topic) {
			return true
		}
	}
	return false
}

// Stats returns delivery statistics for a subscriber.
func (b *Bus) Stats(id string) (*SubscriberStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return nil, ErrSubscriberNotFound
	}
	return &SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// Published returns how many notifications were accepted by the bus.
func (b *Bus) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
