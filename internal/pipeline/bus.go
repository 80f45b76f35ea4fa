package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Subscriber is one fan-out consumer of normalized events.
type Subscriber struct {
	ID      string
	Name    string
	Channel chan *Event
	Types   []EventType
	Closed  bool
	mu      sync.RWMutex
}

// Close closes the subscriber channel.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Closed {
		s.Closed = true
		close(s.Channel)
	}
}

// wants reports whether the subscriber receives events of this type.
func (s *Subscriber) wants(eventType EventType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, t := range s.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

// trySend delivers an event within timeout, reporting false when the
// subscriber is closed or its buffer stays full.
func (s *Subscriber) trySend(event *Event, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Closed {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.Channel <- event:
		return true
	case <-timer.C:
		return false
	}
}

// BusConfig holds fan-out configuration.
type BusConfig struct {
	BufferSize      int           // buffer size for subscriber channels
	PublishTimeout  time.Duration // per-subscriber delivery timeout
	CleanupInterval time.Duration // interval for dropping closed subscribers
}

// DefaultBusConfig returns default bus configuration.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		BufferSize:      1000,
		PublishTimeout:  10 * time.Millisecond,
		CleanupInterval: 30 * time.Second,
	}
}

// BusMetrics tracks fan-out statistics.
type BusMetrics struct {
	EventsPublished   int64
	EventsDelivered   int64
	EventsDropped     int64
	SubscribersActive int64
}

// Bus fans normalized events out to detector subscribers. Slow consumers
// are never allowed to stall producers: delivery times out per subscriber
// and the drop is counted instead.
type Bus struct {
	subscribers []*Subscriber
	mu          sync.RWMutex
	config      *BusConfig
	metrics     *BusMetrics
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
}

// NewBus creates a running bus.
func NewBus(config *BusConfig) *Bus {
	if config == nil {
		config = DefaultBusConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &Bus{
		subscribers: make([]*Subscriber, 0),
		config:      config,
		metrics:     &BusMetrics{},
		ctx:         ctx,
		cancel:      cancel,
	}

	go bus.cleanupLoop()

	return bus
}

// Publish delivers an event to every interested subscriber. Delivery
// order per subscriber follows publish order from a single producer.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Copy, not alias: Unsubscribe compacts the slice in place.
	subs := make([]*Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	atomic.AddInt64(&b.metrics.EventsPublished, 1)

	for _, sub := range subs {
		if !sub.wants(event.Type) {
			continue
		}
		if sub.trySend(event, b.config.PublishTimeout) {
			atomic.AddInt64(&b.metrics.EventsDelivered, 1)
		} else {
			atomic.AddInt64(&b.metrics.EventsDropped, 1)
		}
	}
}

// Subscribe registers a named consumer for the given event types; no
// types means all events.
func (b *Bus) Subscribe(name string, types ...EventType) <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan *Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ID:      uuid.New().String(),
		Name:    name,
		Channel: make(chan *Event, b.config.BufferSize),
		Types:   types,
	}

	b.subscribers = append(b.subscribers, sub)
	atomic.AddInt64(&b.metrics.SubscribersActive, 1)

	return sub.Channel
}

// Unsubscribe removes a subscriber by channel.
func (b *Bus) Unsubscribe(ch <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.Channel == ch {
			sub.Close()
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			atomic.AddInt64(&b.metrics.SubscribersActive, -1)
			return
		}
	}
}

// cleanupLoop periodically drops closed subscribers.
func (b *Bus) cleanupLoop() {
	interval := b.config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.cleanup()
		}
	}
}

func (b *Bus) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		sub.mu.RLock()
		closed := sub.Closed
		sub.mu.RUnlock()
		if !closed {
			active = append(active, sub)
		}
	}
	b.subscribers = active
}

// Metrics returns a copy of the current bus metrics.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		EventsPublished:   atomic.LoadInt64(&b.metrics.EventsPublished),
		EventsDelivered:   atomic.LoadInt64(&b.metrics.EventsDelivered),
		EventsDropped:     atomic.LoadInt64(&b.metrics.EventsDropped),
		SubscribersActive: atomic.LoadInt64(&b.metrics.SubscribersActive),
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()

	for _, sub := range b.subscribers {
		sub.Close()
	}
	return nil
}
