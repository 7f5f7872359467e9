package events

import "subledger/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload carries a canonical types.Event through the Emitter interface.
type Payload interface {
	Event
	Event() *types.Event
}

// Wrap adapts a *types.Event to the Payload interface.
func Wrap(evt *types.Event) Payload { return wrapped{evt: evt} }

type wrapped struct {
	evt *types.Event
}

func (w wrapped) EventType() string {
	if w.evt == nil {
		return ""
	}
	return w.evt.Type
}

func (w wrapped) Event() *types.Event { return w.evt }

// Buffer collects events emitted during a single invocation so the host can
// publish them on commit or drop them on abort.
type Buffer struct {
	events []types.Event
}

// Emit implements Emitter. Events that do not carry a canonical payload are
// recorded by type only.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	if payload, ok := evt.(Payload); ok {
		if inner := payload.Event(); inner != nil {
			b.events = append(b.events, cloneEvent(*inner))
			return
		}
	}
	b.events = append(b.events, types.Event{Type: evt.EventType(), Attributes: map[string]string{}})
}

// Events returns a copy of the buffered events in emission order.
func (b *Buffer) Events() []types.Event {
	if b == nil {
		return nil
	}
	out := make([]types.Event, len(b.events))
	for i := range b.events {
		out[i] = cloneEvent(b.events[i])
	}
	return out
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.events)
}

// Truncate drops every event recorded after position n.
func (b *Buffer) Truncate(n int) {
	if b == nil || n < 0 || n >= len(b.events) {
		return
	}
	b.events = b.events[:n]
}

func cloneEvent(evt types.Event) types.Event {
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return types.Event{Type: evt.Type, Attributes: attrs}
}
