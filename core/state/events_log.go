package state

import (
	"encoding/binary"
	"fmt"
	"sort"

	"rampledger/core/types"
)

var (
	eventLogPrefix  = []byte("events/record/")
	eventLogHeadKey = []byte("events/head")
)

// Attribute maps are flattened into sorted parallel slices because RLP has no
// map support.
type storedEventRecord struct {
	Sequence   uint64
	Timestamp  uint64
	Type       string
	AttrKeys   []string
	AttrValues []string
}

func eventLogKey(seq uint64) []byte {
	buf := make([]byte, len(eventLogPrefix)+8)
	copy(buf, eventLogPrefix)
	binary.BigEndian.PutUint64(buf[len(eventLogPrefix):], seq)
	return buf
}

// EventLogHead returns the sequence of the newest appended event. A fresh
// ledger reports zero.
func (m *Manager) EventLogHead() (uint64, error) {
	var head uint64
	if _, err := m.KVGet(eventLogHeadKey, &head); err != nil {
		return 0, err
	}
	return head, nil
}

// EventLogAppend stores an event at the next log position and returns the
// fully populated record.
func (m *Manager) EventLogAppend(event types.Event, timestamp int64) (types.EventRecord, error) {
	if timestamp < 0 {
		return types.EventRecord{}, fmt.Errorf("state: event timestamp must not be negative")
	}
	head, err := m.EventLogHead()
	if err != nil {
		return types.EventRecord{}, err
	}
	seq := head + 1
	keys := make([]string, 0, len(event.Attributes))
	for k := range event.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = event.Attributes[k]
	}
	stored := storedEventRecord{
		Sequence:   seq,
		Timestamp:  uint64(timestamp),
		Type:       event.Type,
		AttrKeys:   keys,
		AttrValues: values,
	}
	if err := m.KVPut(eventLogKey(seq), &stored); err != nil {
		return types.EventRecord{}, err
	}
	if err := m.KVPut(eventLogHeadKey, seq); err != nil {
		return types.EventRecord{}, err
	}
	return types.EventRecord{Sequence: seq, Timestamp: timestamp, Event: event.Copy()}, nil
}

// EventLogGet loads a single event record by sequence.
func (m *Manager) EventLogGet(seq uint64) (*types.EventRecord, bool, error) {
	var stored storedEventRecord
	ok, err := m.KVGet(eventLogKey(seq), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	if len(stored.AttrKeys) != len(stored.AttrValues) {
		return nil, false, fmt.Errorf("state: event record %d malformed", seq)
	}
	attrs := make(map[string]string, len(stored.AttrKeys))
	for i, k := range stored.AttrKeys {
		attrs[k] = stored.AttrValues[i]
	}
	record := &types.EventRecord{
		Sequence:  stored.Sequence,
		Timestamp: int64(stored.Timestamp),
		Event:     types.Event{Type: stored.Type, Attributes: attrs},
	}
	return record, true, nil
}

// EventLogRange returns up to limit records with sequences strictly greater
// than after, in log order. A limit of zero or less means no cap.
func (m *Manager) EventLogRange(after uint64, limit int) ([]types.EventRecord, error) {
	head, err := m.EventLogHead()
	if err != nil {
		return nil, err
	}
	records := make([]types.EventRecord, 0)
	for seq := after + 1; seq <= head; seq++ {
		record, ok, err := m.EventLogGet(seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: event log gap at %d", seq)
		}
		records = append(records, *record)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}
