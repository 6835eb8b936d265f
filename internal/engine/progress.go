package engine

import (
	"sync"

	"github.com/seantiz/crucible/internal/model"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Snapshots are dropped for subscribers that fall this far behind; consumers
// only ever need the latest snapshot, so lost intermediate ticks are fine.
const subscriberBufferSize = 16

// ProgressBroker fans progress snapshots out to subscribers per operation and
// retains the latest snapshot for polling consumers. It is safe for
// concurrent use.
//
// Closed topics are retained so that late subscribers receive a closed
// channel instead of blocking forever, and so the final snapshot stays
// queryable after an operation finishes.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	subs   map[int]chan model.ProgressSnapshot
	nextID int
	latest *model.ProgressSnapshot
	closed bool
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
	}
}

// Subscribe returns a channel receiving progress snapshots for the operation
// and an unsubscribe function. If the operation already finished, the channel
// is immediately closed.
func (b *ProgressBroker) Subscribe(operationID string) (<-chan model.ProgressSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan model.ProgressSnapshot)}
		b.topics[operationID] = t
	}

	ch := make(chan model.ProgressSnapshot, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers a snapshot to all subscribers and records it as the
// latest. Snapshots with a stage index lower than the latest are dropped so
// observed stage indices never regress.
func (b *ProgressBroker) Publish(operationID string, snap model.ProgressSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan model.ProgressSnapshot)}
		b.topics[operationID] = t
	}
	if t.closed {
		return
	}
	if t.latest != nil && snap.StageIndex < t.latest.StageIndex {
		return
	}

	latest := snap
	t.latest = &latest

	for _, ch := range t.subs {
		select {
		case ch <- snap:
		default:
			// Drop for slow subscribers; the latest snapshot wins.
		}
	}
}

// Latest returns the most recent snapshot published for the operation.
func (b *ProgressBroker) Latest(operationID string) (model.ProgressSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok || t.latest == nil {
		return model.ProgressSnapshot{}, false
	}
	return *t.latest, true
}

// Close signals that no more snapshots will be published for the operation.
// Subscriber channels are closed; the latest snapshot remains queryable.
func (b *ProgressBroker) Close(operationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok {
		b.topics[operationID] = &progressTopic{subs: make(map[int]chan model.ProgressSnapshot), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
