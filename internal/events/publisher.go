package events

import (
	"log"
	"sync"
	"time"
)

const defaultSubscriberCapacity = 128

// Publisher fans events out to subscribers without ever blocking the
// caller. A subscriber whose buffer is full loses its oldest event;
// delivery order per subscriber is publish order.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	capacity    int
}

// Subscription is one active listener on the event stream.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and releases its buffer.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewPublisher creates a publisher with the default per-subscriber buffer.
func NewPublisher() *Publisher {
	return NewPublisherWithCapacity(defaultSubscriberCapacity)
}

// NewPublisherWithCapacity creates a publisher with a custom buffer size.
func NewPublisherWithCapacity(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &Publisher{
		subscribers: make(map[*subscriber]struct{}),
		capacity:    capacity,
	}
}

// Subscribe registers a new listener.
func (p *Publisher) Subscribe() Subscription {
	sub := newSubscriber(p.capacity)
	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() { p.remove(sub) },
	}
}

// Publish delivers the event to every current subscriber. It never
// blocks: slow subscribers drop their oldest buffered event instead.
func (p *Publisher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.RLock()
	subs := make([]*subscriber, 0, len(p.subscribers))
	for sub := range p.subscribers {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

func (p *Publisher) remove(sub *subscriber) {
	p.mu.Lock()
	delete(p.subscribers, sub)
	p.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newSubscriber(capacity int) *subscriber {
	return &subscriber{ch: make(chan Event, capacity)}
}

// deliver enqueues the event, evicting the oldest buffered event when
// the channel is full. The mutex keeps eviction and the close path from
// racing a concurrent send on a closed channel.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		select {
		case dropped := <-s.ch:
			log.Printf("events: subscriber buffer full, dropped %s", dropped.Kind)
		default:
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
