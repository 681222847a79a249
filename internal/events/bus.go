package events

import (
	"sync"
)

// defaultBufSize is spec.md §6.3's "Broadcast buffer default: 100 messages
// per subscriber" (the teacher defaulted to 256).
const defaultBufSize = 100

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 100 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// Returns a single read-only channel that receives events from every topic.
// bufSize determines the channel buffer size (defaults to 100 if <= 0).
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Publish sends an event to all subscribers of the given topic, and to all
// SubscribeAll channels. Non-blocking per subscriber: if a channel is full,
// publish first tries to evict that channel's oldest buffered event in
// favor of the new one, but only when the new event outranks it
// (Priority() strictly greater) and the new event is lifecycle-or-above
// (Priority() >= PriorityLifecycle) per spec.md §4.7. Otherwise the new
// event is dropped, matching the teacher's original drop-on-full behavior.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		trySend(ch, event)
	}

	for _, ch := range b.allSubs {
		trySend(ch, event)
	}
}

func trySend(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}

	if event.Priority() < PriorityLifecycle {
		return // not important enough to evict for
	}

	// Channel is full: inspect (by removing) the oldest buffered event. If
	// it's lower priority than the incoming one, drop it and take its slot;
	// otherwise put it back and drop the incoming event instead. This only
	// inspects the FIFO head, not the true buffer-wide minimum, which is an
	// accepted approximation of a bounded channel's non-blocking contract.
	select {
	case oldest := <-ch:
		if oldest.Priority() < event.Priority() {
			select {
			case ch <- event:
			default:
				// Another sender raced us into the freed slot; drop both
				// gracefully rather than blocking.
			}
		} else {
			select {
			case ch <- oldest:
			default:
			}
		}
	default:
		// Someone else drained the channel between our first attempt and
		// now; just try the send again.
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	// Close all topic-specific subscribers
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}

	// Close all-topic subscribers
	for _, ch := range b.allSubs {
		close(ch)
	}
}
