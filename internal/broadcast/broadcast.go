// Package broadcast fans values from one producer out to many listeners
// without letting a slow listener stall the producer.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcaster fans out values from one source to N listeners.
type Broadcaster[T any] struct {
	buffer int

	mu        sync.RWMutex
	listeners map[*Listener[T]]struct{}
	closed    bool
}

// Listener receives values from the broadcaster. C is closed when the
// broadcaster is closed.
type Listener[T any] struct {
	C      chan T
	done   chan struct{}
	once   sync.Once
	missed atomic.Bool
}

// Missed reports whether a value was dropped for this listener since the
// last call, and clears the mark.
func (l *Listener[T]) Missed() bool {
	return l.missed.Swap(false)
}

// Done is closed once the listener is unsubscribed.
func (l *Listener[T]) Done() <-chan struct{} {
	return l.done
}

// New creates a broadcaster whose listeners buffer up to buffer values.
func New[T any](buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster[T]{
		buffer:    buffer,
		listeners: make(map[*Listener[T]]struct{}),
	}
}

// Subscribe registers a new listener. Subscribing to a closed broadcaster
// returns a listener whose channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Listener[T] {
	l := &Listener[T]{
		C:    make(chan T, b.buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(l.C)
		return l
	}
	b.listeners[l] = struct{}{}
	return l
}

// Unsubscribe removes a listener and signals it to stop. Safe to call more
// than once.
func (b *Broadcaster[T]) Unsubscribe(l *Listener[T]) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster[T]) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers v to every listener. Listeners with a full buffer miss v.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for l := range b.listeners {
		select {
		case l.C <- v:
		default:
			// listener too slow, drop to keep the producer moving
			l.missed.Store(true)
		}
	}
}

// Run reads values from source and publishes each until ctx ends or source
// is closed.
func (b *Broadcaster[T]) Run(ctx context.Context, source <-chan T) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-source:
			if !ok {
				return
			}
			b.Publish(v)
		}
	}
}

// Close closes every listener channel. Values already buffered can still be
// drained. Later Publish calls are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for l := range b.listeners {
		close(l.C)
		delete(b.listeners, l)
	}
}
