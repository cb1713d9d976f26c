package engine

import (
	"time"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// EventType identifies an engine event.
type EventType string

const (
	EventEnqueued      EventType = "enqueued"
	EventDrainStarted  EventType = "drain_started"
	EventApplied       EventType = "applied"
	EventDrainFinished EventType = "drain_finished"
	EventConnectivity  EventType = "connectivity"
)

// Event is delivered to Subscribe callbacks.
type Event struct {
	Type EventType
	Time time.Time

	// Mutation is set for enqueued and applied events.
	Mutation *schema.Mutation

	// Result is set for drain_finished events.
	Result *DrainResult

	// Online is set for connectivity events.
	Online bool
}

// Subscribe registers fn for every engine event. Callbacks run synchronously
// on the goroutine that produced the event and must not block.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.subMu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
