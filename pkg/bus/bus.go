// Package bus provides the in-process topic bus that carries call,
// transcript, and campaign updates from the components that produce them
// to the real-time hub and the campaign engine.
//
// Delivery contract: publishers never block. Each subscriber owns a
// bounded buffer; when it is full the oldest entry is dropped, a lagged
// marker is queued, and the new entry follows. Per-topic order is
// preserved for each subscriber. Delivery is at-most-once — missed
// messages are recovered by snapshot on re-subscribe, not replay.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind discriminates data events from lag markers on a subscription.
type Kind string

const (
	// KindEvent carries a payload published to the topic.
	KindEvent Kind = "event"
	// KindLagged marks that at least one older message was dropped for
	// this subscriber since the previous delivery.
	KindLagged Kind = "lagged"
)

// Event is one delivery on a subscription channel.
type Event struct {
	Topic   string
	Kind    Kind
	Payload any
	At      time.Time
}

// DefaultBuffer is the per-subscriber buffer used when Subscribe is called
// with a non-positive size.
const DefaultBuffer = 64

// Bus fans events out to per-topic subscriber lists.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	lag    map[string]*atomic.Uint64
	logger *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[string][]*Subscription),
		lag:    make(map[string]*atomic.Uint64),
		logger: slog.With("component", "bus"),
	}
}

// Subscription is one subscriber's view of a topic. Receive from C until
// done, then call Close. The channel is never closed by the bus; select on
// your own context alongside it.
type Subscription struct {
	topic  string
	ch     chan Event
	bus    *Bus
	lagged atomic.Uint64
	closed atomic.Bool
}

// Subscribe registers a new subscriber on the topic.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, buffer),
		bus:   b,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	if b.lag[topic] == nil {
		b.lag[topic] = &atomic.Uint64{}
	}
	b.mu.Unlock()

	return sub
}

// C is the delivery channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Lagged returns how many messages have been dropped for this subscriber.
func (s *Subscription) Lagged() uint64 {
	return s.lagged.Load()
}

// Close detaches the subscription. Pending buffered events remain readable;
// no further events arrive. Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	b := s.bus

	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.topic]
	for i, other := range list {
		if other == s {
			b.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}

// Publish delivers payload to every current subscriber of the topic
// without blocking.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Kind: KindEvent, Payload: payload, At: time.Now()}

	b.mu.RLock()
	subscribers := make([]*Subscription, len(b.subs[topic]))
	copy(subscribers, b.subs[topic])
	lagCounter := b.lag[topic]
	b.mu.RUnlock()

	for _, sub := range subscribers {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Buffer full: drop oldest, mark the lag, then deliver.
		dropped := sub.dropOldest()
		if dropped > 0 {
			sub.lagged.Add(uint64(dropped))
			if lagCounter != nil {
				lagCounter.Add(uint64(dropped))
			}
			sub.offer(Event{Topic: topic, Kind: KindLagged, At: ev.At})
		}
		dropped = sub.offer(ev)
		if dropped > 0 {
			sub.lagged.Add(uint64(dropped))
			if lagCounter != nil {
				lagCounter.Add(uint64(dropped))
			}
		}
	}
}

// TopicLag returns the cumulative number of drops across all subscribers
// of the topic. The engine samples this to detect sustained lag.
func (b *Bus) TopicLag(topic string) uint64 {
	b.mu.RLock()
	counter := b.lag[topic]
	b.mu.RUnlock()
	if counter == nil {
		return 0
	}
	return counter.Load()
}

// SubscriberCount reports the current number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// dropOldest discards one buffered event if any, returning the number
// discarded (0 or 1). Racing receivers make the drain best-effort.
func (s *Subscription) dropOldest() int {
	select {
	case <-s.ch:
		return 1
	default:
		return 0
	}
}

// offer delivers ev, discarding oldest entries until space frees up.
// Returns the number of discarded events.
func (s *Subscription) offer(ev Event) int {
	dropped := 0
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
			dropped += s.dropOldest()
		}
	}
}
