package pipeline

import (
	"sync"

	"github.com/seantiz/crucible/internal/model"
)

// CancelToken is a cooperative, one-way abort signal. Once cancelled, a token
// never reverts. Implementations exist per execution context: an in-memory
// flag locally, a polled session flag on the remote worker.
type CancelToken interface {
	Cancelled() bool
}

// ProgressSink receives progress snapshots. Both the direct local sink and
// the remote session-state sink satisfy this interface, so pipeline code
// stays unaware of which regime it runs in.
type ProgressSink interface {
	Report(model.ProgressSnapshot)
}

// SinkFunc adapts a function to the ProgressSink interface.
type SinkFunc func(model.ProgressSnapshot)

// Report calls f(snap).
func (f SinkFunc) Report(snap model.ProgressSnapshot) {
	f(snap)
}

// FlagToken is the in-memory CancelToken. Cancel is idempotent; cancelling
// twice has the same effect as once.
type FlagToken struct {
	once sync.Once
	done chan struct{}
}

// NewFlagToken returns an uncancelled token.
func NewFlagToken() *FlagToken {
	return &FlagToken{done: make(chan struct{})}
}

// Cancel requests cancellation. Safe to call repeatedly and concurrently.
func (t *FlagToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether cancellation has been requested.
func (t *FlagToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when cancellation is requested, for callers
// that select on it alongside timers.
func (t *FlagToken) Done() <-chan struct{} {
	return t.done
}
