// Package events publishes registry lifecycle transitions as reactive
// streams. Consumers subscribe for observability; the registry never
// blocks on a slow subscriber, so events may be dropped under pressure
// and the drop count is surfaced instead.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/ro"
)

// Kind classifies a lifecycle event.
type Kind uint8

// Lifecycle event kinds.
const (
	// KindRegistered fires when a finished instance lands in the registry.
	KindRegistered Kind = iota + 1
	// KindEarlyExposed fires when an early reference is materialized to
	// break a cycle.
	KindEarlyExposed
	// KindRemoved fires when a key is removed outside of disposal.
	KindRemoved
	// KindDisposed fires when a key's teardown completes.
	KindDisposed
	// KindDisposalFailed fires when a destroy callback returns an error
	// or panics.
	KindDisposalFailed
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRegistered:
		return "registered"
	case KindEarlyExposed:
		return "early_exposed"
	case KindRemoved:
		return "removed"
	case KindDisposed:
		return "disposed"
	case KindDisposalFailed:
		return "disposal_failed"
	default:
		return "unknown"
	}
}

// Event describes one lifecycle transition.
type Event struct {
	Kind Kind
	// Key is the component the transition applies to.
	Key string
	// BuildID correlates events emitted by the same logical build.
	BuildID string
	// Err carries the failure for KindDisposalFailed events.
	Err error
	// At is the publication time.
	At time.Time
}

const defaultBuffer = 64

// Feed fans lifecycle events out to subscribers.
type Feed struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

// NewFeed creates a Feed whose per-subscriber buffers hold buffer events.
// Non-positive values use the default.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Feed{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
	}
}

// Publish delivers e to every subscriber without blocking. Events that do
// not fit a subscriber's buffer are dropped and counted. A zero At field
// is stamped with the current time.
func (f *Feed) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribe returns an observable of future events plus a cancel function.
// Canceling completes the observable; subscribing to a closed feed returns
// an already-completed observable.
func (f *Feed) Subscribe() (ro.Observable[Event], func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ro.Empty[Event](), func() {}
	}

	id := f.nextID
	f.nextID++
	ch := make(chan Event, f.buffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ro.FromChannel(ch), cancel
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Close completes every subscriber's stream and rejects further publishes.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// OfKind keeps only events matching one of the given kinds.
func OfKind(source ro.Observable[Event], kinds ...Kind) ro.Observable[Event] {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return ro.Pipe1(source, ro.Filter(func(e Event) bool {
		_, ok := set[e.Kind]
		return ok
	}))
}

// ForKey keeps only events for the given component key.
func ForKey(source ro.Observable[Event], key string) ro.Observable[Event] {
	return ro.Pipe1(source, ro.Filter(func(e Event) bool {
		return e.Key == key
	}))
}

// Keys projects events to their component keys.
func Keys(source ro.Observable[Event]) ro.Observable[string] {
	return ro.Pipe1(source, ro.Map(func(e Event) string {
		return e.Key
	}))
}
