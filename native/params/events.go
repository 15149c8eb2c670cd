package params

import (
	"strconv"

	"rampledger/core/events"
	"rampledger/core/types"
)

// EventTypeUpdated marks a governance parameter write.
const EventTypeUpdated = "params.updated"

type paramsEvent struct {
	evt *types.Event
}

func (e paramsEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e paramsEvent) Event() *types.Event { return e.evt }

// NewUpdatedEvent returns the payload for a parameter store write. The store
// version lets indexers order configuration changes without inspecting the
// value itself.
func NewUpdatedEvent(name string, version uint64, at int64) events.Event {
	return paramsEvent{evt: &types.Event{
		Type: EventTypeUpdated,
		Attributes: map[string]string{
			"name":      name,
			"version":   strconv.FormatUint(version, 10),
			"updatedAt": strconv.FormatInt(at, 10),
		},
	}}
}
