// Package bus is a bounded single-consumer event queue for realtime webshop
// state changes. Publishers never block; subscribers run sequentially on the
// consumer goroutine so per-type ordering holds.
package bus

import (
	"fmt"
	"sync"
	"time"

	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// EventType tags a domain event variant.
type EventType string

const (
	EventProductUpdated    EventType = "product_updated"
	EventInventoryChanged  EventType = "inventory_changed"
	EventPriceChanged      EventType = "price_changed"
	EventOrderCreated      EventType = "order_created"
	EventSyncCompleted     EventType = "sync_completed"
	EventSyncFailed        EventType = "sync_failed"
	EventConflictDetected  EventType = "conflict_detected"
	EventConflictAlert     EventType = "conflict_alert"
	EventCartAbandoned     EventType = "cart_abandoned"
)

// Event is one realtime domain event. Events are not persisted.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source"`
}

// Handler consumes one event. Panics are recovered by the consumer loop.
type Handler func(Event)

// DefaultCapacity bounds the queue.
const DefaultCapacity = 1024

// Bus fans events out to typed subscribers from one consumer goroutine.
type Bus struct {
	mu          sync.Mutex
	subscribers map[EventType][]Handler
	queue       []Event
	capacity    int
	dropped     uint64
	wake        chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// New builds a bus with the given capacity (DefaultCapacity when <= 0).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subscribers: make(map[EventType][]Handler),
		capacity:    capacity,
		wake:        make(chan struct{}, 1),
	}
}

// Subscribe registers a handler for an event type. Handlers for one type run
// in registration order.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], h)
	b.mu.Unlock()
}

// Publish enqueues an event without blocking. When the queue is full the
// oldest event is dropped and the dropped counter incremented.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	if len(b.queue) >= b.capacity {
		b.queue = b.queue[1:]
		b.dropped++
		L_warn("bus: queue full, oldest event dropped", "type", string(ev.Type), "dropped", b.dropped)
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many events were discarded due to overflow.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Pending reports how many events await delivery.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Start launches the consumer goroutine.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go b.consume()
	L_debug("bus: started", "capacity", b.capacity)
}

// Stop finishes the in-flight handler, then discards anything still queued.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	done := b.doneCh
	b.mu.Unlock()

	<-done

	b.mu.Lock()
	discarded := len(b.queue)
	b.queue = nil
	b.mu.Unlock()
	if discarded > 0 {
		L_debug("bus: stopped, queued events discarded", "discarded", discarded)
	}
}

func (b *Bus) consume() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.queue[0]
			b.queue = b.queue[1:]
			handlers := append([]Handler(nil), b.subscribers[ev.Type]...)
			b.mu.Unlock()

			for _, h := range handlers {
				b.deliver(ev, h)
			}

			select {
			case <-b.stopCh:
				return
			default:
			}
		}
	}
}

func (b *Bus) deliver(ev Event, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			L_error("bus: handler panic", "type", string(ev.Type), "panic", fmt.Sprintf("%v", rec))
		}
	}()
	h(ev)
}
