package pipeline

import (
	"sync"
	"time"
)

// Ring is a fixed-capacity circular event store. When full, the oldest
// event is evicted on insert; Prune drops events past their retention
// age. It backs evidence-chain validation and correlation window reads.
type Ring struct {
	mu     sync.RWMutex
	buf    []*Event
	ids    map[string]struct{}
	tail   int // index of the oldest event
	size   int
	maxAge time.Duration
}

// NewRing creates a ring holding up to capacity events for at most maxAge.
func NewRing(capacity int, maxAge time.Duration) *Ring {
	if capacity <= 0 {
		capacity = 50000
	}
	if maxAge <= 0 {
		maxAge = 48 * time.Hour
	}
	return &Ring{
		buf:    make([]*Event, capacity),
		ids:    make(map[string]struct{}, capacity),
		maxAge: maxAge,
	}
}

// Add stores an event, evicting the oldest when the ring is full.
func (r *Ring) Add(event *Event) {
	if event == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.buf) {
		evicted := r.buf[r.tail]
		delete(r.ids, evicted.EventID)
		r.buf[r.tail] = nil
		r.tail = (r.tail + 1) % len(r.buf)
		r.size--
	}

	pos := (r.tail + r.size) % len(r.buf)
	r.buf[pos] = event
	r.ids[event.EventID] = struct{}{}
	r.size++
}

// Has reports whether an event with the given id is still retained. It
// lets consumers validate evidence chains against live history.
func (r *Ring) Has(eventID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[eventID]
	return ok
}

// Snapshot returns retained events with timestamps in [start, end],
// oldest first. Zero bounds are open.
func (r *Ring) Snapshot(start, end time.Time) []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Event
	for i := 0; i < r.size; i++ {
		event := r.buf[(r.tail+i)%len(r.buf)]
		if !start.IsZero() && event.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && event.Timestamp.After(end) {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Prune evicts events older than the retention age relative to now and
// returns how many were dropped.
func (r *Ring) Prune(now time.Time) int {
	cutoff := now.Add(-r.maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for r.size > 0 {
		oldest := r.buf[r.tail]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		delete(r.ids, oldest.EventID)
		r.buf[r.tail] = nil
		r.tail = (r.tail + 1) % len(r.buf)
		r.size--
		dropped++
	}
	return dropped
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
