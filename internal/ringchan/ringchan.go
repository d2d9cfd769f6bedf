// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used for event feeds whose consumers may lag: producers
// never block, slow readers lose the oldest events first.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel. When the buffer is full,
// sending discards the oldest buffered element instead of blocking.
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers range over
// it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an element without blocking. If the buffer is full the
// oldest element is dropped to make room. Returns true if an element
// was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
			// A concurrent reader emptied the buffer between the two selects.
		}
		rc.ch <- v
	}
	rc.written.Add(1)
	return dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the channel. Send panics afterwards.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Stats reports how many elements were sent and how many were
// discarded to make room.
func (rc *RingChannel[T]) Stats() (written, overwritten int64) {
	return rc.written.Load(), rc.overwritten.Load()
}
