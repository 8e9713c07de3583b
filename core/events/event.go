package events

// Event represents a structured state change emitted by the settlement core.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (RPC, metrics, the
// reconciliation sink).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for engines whose callers do not care about events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans a single emission out to every supplied emitter. Nil entries are
// skipped so callers can wire optional sinks without guarding.
func Multi(emitters ...Emitter) Emitter {
	filtered := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return multiEmitter{emitters: filtered}
}

type multiEmitter struct {
	emitters []Emitter
}

func (m multiEmitter) Emit(evt Event) {
	for _, e := range m.emitters {
		e.Emit(evt)
	}
}
