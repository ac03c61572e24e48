// Package events carries change notifications from the preview server to
// anyone interested in them (the live-reload hub, tests, embedding code).
package events

import (
	"sync"
	"time"
)

// Change is emitted whenever watched input changed. Path is the logical
// filename of the affected content item when one could be determined.
// Suppressed is set when the change matched an ignore pattern and no reload
// happened.
type Change struct {
	Path       string
	Suppressed bool
	Timestamp  time.Time
}

// Bus fans change notifications out to subscribers. Slow subscribers lose
// events rather than blocking the publisher.
type Bus struct {
	mutex    sync.RWMutex
	watchers []chan Change
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{watchers: make([]chan Change, 0)}
}

// Subscribe returns a channel that receives every change published after
// the call, buffered to size.
func (b *Bus) Subscribe(size int) <-chan Change {
	if size <= 0 {
		size = 16
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ch := make(chan Change, size)
	b.watchers = append(b.watchers, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(ch <-chan Change) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, watcher := range b.watchers {
		if watcher == ch {
			close(watcher)
			b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
			return
		}
	}
}

// Publish delivers change to all subscribers.
func (b *Bus) Publish(change Change) {
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, watcher := range b.watchers {
		select {
		case watcher <- change:
		default:
			// Skip if channel is full
		}
	}
}
