package event

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/concordhq/concord/pkg/ledger"
)

const (
	// MaxHistory bounds the in-memory event log per hub instance.
	MaxHistory = 1000
	// MaxPublishDepth guards against a subscriber re-publishing in a way
	// that recurses back into itself without bound.
	MaxPublishDepth = 10
)

// Handler receives a published event. A handler that panics or errors is
// isolated: it never prevents other subscribers from receiving the event.
type Handler func(Event)

// Hub is a synchronous, in-process publish/subscribe bus scoped to one
// council run (one thread_id). It is safe for concurrent use.
type Hub struct {
	mu          sync.Mutex
	subscribers map[Type][]subscription
	history     []Event
	depth       int
	nextID      uint64
	dualLedger  *ledger.DualLedger
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewHub creates an empty Hub with no ledger attached.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[Type][]subscription),
	}
}

// AttachLedger wires d into the hub so that Publish projects qualifying
// events onto it (see project). A hub with no ledger attached publishes
// normally but performs no projection.
func (h *Hub) AttachLedger(d *ledger.DualLedger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dualLedger = d
}

// Subscribe registers handler to be invoked for every event of typ. It
// returns an unsubscribe function.
func (h *Hub) Subscribe(typ Type, handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subscribers[typ] = append(h.subscribers[typ], subscription{id: id, handler: handler})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[typ]
		for i, s := range subs {
			if s.id == id {
				h.subscribers[typ] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// ErrPublishDepthExceeded is returned when a publish call recurses past
// MaxPublishDepth, almost always indicating a subscriber cycle.
var ErrPublishDepthExceeded = fmt.Errorf("event: publish depth exceeded %d", MaxPublishDepth)

// Publish appends ev to history, projects it onto the attached ledger (if
// any and if ev.Type qualifies), and synchronously notifies every
// subscriber registered for ev.Type. A handler panic is recovered and
// logged so one broken subscriber cannot take down the council run.
func (h *Hub) Publish(ev Event) error {
	h.mu.Lock()
	if h.depth >= MaxPublishDepth {
		h.mu.Unlock()
		return ErrPublishDepthExceeded
	}
	h.depth++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.history = append(h.history, ev)
	if len(h.history) > MaxHistory {
		h.history = h.history[len(h.history)-MaxHistory:]
	}
	dualLedger := h.dualLedger
	subs := make([]subscription, len(h.subscribers[ev.Type]))
	copy(subs, h.subscribers[ev.Type])
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.depth--
		h.mu.Unlock()
	}()

	if dualLedger != nil {
		project(dualLedger, ev)
	}

	for _, s := range subs {
		h.invoke(s.handler, ev)
	}
	return nil
}

// project applies ev's ledger projection, if ev.Type carries one. This is
// the hub's half of the council's event contract: a FACT_DISCOVERED event
// is indistinguishable from a direct TaskLedger.AddFact call once it
// reaches the ledger, whichever caller chose to go through the hub.
func project(d *ledger.DualLedger, ev Event) {
	switch ev.Type {
	case TypeFactDiscovered:
		key, _ := ev.Data["key"].(string)
		if key == "" {
			return
		}
		d.Task.AddFact(key, ev.Data["value"])
	case TypeQueryRaised:
		if query, ok := ev.Data["query"].(string); ok && query != "" {
			d.Task.AddQuery(query)
		}
	case TypeQueryResolved:
		query, ok := ev.Data["query"].(string)
		if !ok || query == "" {
			return
		}
		d.Task.ResolveQuery(query, ev.Data["result"])
	case TypeCodeWritten, TypeTestPassed:
		d.Progress.RecordIteration(true, actionOf(ev), resultOf(ev))
	case TypeTestFailed:
		d.Progress.RecordIteration(false, actionOf(ev), resultOf(ev))
	}
}

func actionOf(ev Event) string {
	if a, ok := ev.Data["action"].(string); ok {
		return a
	}
	return string(ev.Type)
}

func resultOf(ev Event) string {
	if r, ok := ev.Data["result"].(string); ok {
		return r
	}
	return ""
}

func (h *Hub) invoke(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event: subscriber panicked",
				"event_type", ev.Type,
				"thread_id", ev.ThreadID,
				"panic", r)
		}
	}()
	handler(ev)
}

// RecentEvents returns up to n most recent events, most recent last. A
// non-positive n returns the full retained history.
func (h *Hub) RecentEvents(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n >= len(h.history) {
		out := make([]Event, len(h.history))
		copy(out, h.history)
		return out
	}
	out := make([]Event, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}

// EventsOfType returns retained history events matching typ, oldest first.
func (h *Hub) EventsOfType(typ Type) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.history {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Context builds a compact textual summary of recent events, suitable for
// injecting into an agent prompt so it has situational awareness without
// replaying the full history.
func (h *Hub) Context(n int) string {
	events := h.RecentEvents(n)
	if len(events) == 0 {
		return "no prior events"
	}
	var sb []byte
	for _, ev := range events {
		sb = append(sb, fmt.Sprintf("[%s] %s from=%s\n", ev.Timestamp.Format("15:04:05"), ev.Type, ev.Source)...)
	}
	return string(sb)
}
