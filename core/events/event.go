package events

import (
	"encoding/hex"

	"shopchain/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the gateway index).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans each event out to every wrapped emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Wrap adapts a plain types.Event into an Event.
func Wrap(evt *types.Event) Event { return wrapped{evt: evt} }

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

// Committed tags an event with the transaction that produced it. The runtime
// wraps every event this way before handing it to emitters.
type Committed struct {
	Inner  Event
	TxHash [32]byte
}

func (c Committed) EventType() string { return c.Inner.EventType() }

// Event returns the inner payload with a txHash attribute added.
func (c Committed) Event() *types.Event {
	inner := c.Inner.Event()
	if inner == nil {
		return nil
	}
	attrs := make(map[string]string, len(inner.Attributes)+1)
	for k, v := range inner.Attributes {
		attrs[k] = v
	}
	attrs["txHash"] = "0x" + hex.EncodeToString(c.TxHash[:])
	return &types.Event{Type: inner.Type, Attributes: attrs}
}
