package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Copy returns a deep copy of the event.
func (e Event) Copy() Event {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return Event{Type: e.Type, Attributes: attrs}
}

// EventRecord is a committed event together with its position in the durable
// event log. Sequences start at one and increase without gaps.
type EventRecord struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Event     Event  `json:"event"`
}
