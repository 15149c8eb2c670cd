package core

import (
	"context"
	"fmt"
	"sync"

	"rampledger/core/state"
	"rampledger/core/types"
)

const eventStreamBuffer = 64

// publishEvents fans freshly committed records out to live subscribers. The
// caller holds stateMu, so subscribers registered concurrently either see the
// records in their backlog or on the channel, never both and never neither.
// Slow subscribers miss updates rather than blocking commits; the durable log
// lets them catch up by cursor.
func (n *Node) publishEvents(records []types.EventRecord) {
	if len(records) == 0 {
		return
	}
	n.streamMu.Lock()
	defer n.streamMu.Unlock()
	for _, record := range records {
		for _, ch := range n.streamSubs {
			select {
			case ch <- record:
			default:
			}
		}
	}
}

// EventsSubscribe registers a live subscriber for committed events with
// sequences strictly greater than the cursor. The backlog covers everything
// already in the log; subsequent records arrive on the channel. The returned
// cancel function must be called to release the subscription; cancelling the
// context has the same effect.
func (n *Node) EventsSubscribe(ctx context.Context, cursor uint64) ([]types.EventRecord, <-chan types.EventRecord, func(), error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan types.EventRecord, eventStreamBuffer)

	n.stateMu.Lock()
	backlog, err := state.NewManager(n.db).EventLogRange(cursor, 0)
	if err != nil {
		n.stateMu.Unlock()
		return nil, nil, nil, err
	}
	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan types.EventRecord)
	}
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	n.streamMu.Unlock()
	n.stateMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.streamMu.Lock()
			delete(n.streamSubs, id)
			close(updates)
			n.streamMu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return backlog, updates, cancel, nil
}
