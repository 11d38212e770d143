// Package realtime fans data-change events out to SSE subscribers.
package realtime

import (
	"log/slog"
	"sync"
)

// eventBufferSize is the per-subscriber channel buffer. Events are dropped
// for a subscriber whose buffer is full; delivery is at-most-once with no
// replay on reconnect.
const eventBufferSize = 64

// Event actions.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event represents a committed data change on a table. Record carries the
// new row for inserts and updates and the PK tombstone for deletes.
type Event struct {
	Action string         `json:"action"`
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`

	// PKKey is the canonical text form of the record PK, used to match
	// single-record subscriptions.
	PKKey string `json:"-"`

	// Raw carries the row in its SQL value form so delivery-time access rule
	// checks bind the same types the database would.
	Raw map[string]any `json:"-"`
}

// Subscriber is one registered listener.
type Subscriber struct {
	id     uint64
	table  string
	pkKey  string // "" subscribes to the whole table
	events chan *Event
}

// Events returns the subscriber's event channel. It is closed on Unsubscribe.
func (s *Subscriber) Events() <-chan *Event {
	return s.events
}

// Hub is the in-process listener registry, keyed by table. Publish takes a
// shallow snapshot of the listener list before sending so unsubscribing
// during a publish is safe.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscriber
	nextID uint64
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[uint64]*Subscriber),
		logger: logger,
	}
}

// Subscribe registers a listener for one table, optionally narrowed to a
// single record by its canonical PK text.
func (h *Hub) Subscribe(table, pkKey string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:     h.nextID,
		table:  table,
		pkKey:  pkKey,
		events: make(chan *Event, eventBufferSize),
	}
	m := h.subs[table]
	if m == nil {
		m = make(map[uint64]*Subscriber)
		h.subs[table] = m
	}
	m[sub.id] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.subs[sub.table]
	if m == nil {
		return
	}
	if _, ok := m[sub.id]; !ok {
		return
	}
	delete(m, sub.id)
	if len(m) == 0 {
		delete(h.subs, sub.table)
	}
	close(sub.events)
}

// Publish delivers an event to every matching listener. Called from the
// writer path after commit, so per-subscriber delivery order equals commit
// order. Sends are non-blocking; a full buffer drops the event.
func (h *Hub) Publish(event *Event) {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs[event.Table]))
	for _, sub := range h.subs[event.Table] {
		if sub.pkKey == "" || sub.pkKey == event.PKKey {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- event:
		default:
			h.logger.Warn("subscriber buffer full, dropping event",
				"table", event.Table, "action", event.Action)
		}
	}
}

// Close disconnects all listeners.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for table, m := range h.subs {
		for id, sub := range m {
			close(sub.events)
			delete(m, id)
		}
		delete(h.subs, table)
	}
}

// SubscriberCount returns the number of registered listeners across tables.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}
