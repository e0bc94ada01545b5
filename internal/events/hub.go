// Package events fans runtime lifecycle events out to live subscribers and
// keeps the most recent ones for replay.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle event types published by the dispatch factory.
const (
	RunnerStarted  = "runner.started"
	RunnerStopped  = "runner.stopped"
	RuntimeStarted = "runtime.started"
	RuntimeStopped = "runtime.stopped"
	PoolResized    = "pool.resized"
)

const (
	defaultBacklog   = 100
	subscriberBuffer = 128
)

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stevedore_events_dropped_total",
	Help: "Events not delivered because a subscriber was too slow",
})

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub. Publishing never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	next    int
	full    bool
	subs    map[*Subscription]struct{}
}

// Subscription receives published events on C until Close.
type Subscription struct {
	C <-chan Event

	hub   *Hub
	ch    chan Event
	types map[string]bool
}

// NewHub keeps the last backlog events for replay.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		backlog: make([]Event, backlog),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish records an event with data encoded as JSON and delivers it.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	h.backlog[h.next] = ev
	h.next = (h.next + 1) % len(h.backlog)
	if h.next == 0 {
		h.full = true
	}

	for sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			droppedTotal.Inc()
		}
	}
	return ev
}

// Subscribe delivers events of the given types, or all events when none
// are given.
func (h *Hub) Subscribe(types ...string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, hub: h, ch: ch, types: typeSet(types)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		close(s.ch)
	}
}

func (s *Subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Since returns retained events newer than lastID, oldest first, limited to
// types when any are given.
func (h *Hub) Since(lastID int64, types ...string) []Event {
	filter := typeSet(types)

	h.mu.Lock()
	defer h.mu.Unlock()

	start, n := 0, h.next
	if h.full {
		start, n = h.next, len(h.backlog)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := h.backlog[(start+i)%len(h.backlog)]
		if ev.ID <= lastID {
			continue
		}
		if len(filter) > 0 && !filter[ev.Type] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
