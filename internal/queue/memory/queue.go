// Package memory provides the bounded in-memory ingestion queue that feeds the
// scheduler loop.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

var (
	// ErrQueueFull is returned by TryEnqueue when the buffer has no room.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned when enqueueing after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO of events with context-aware enqueue. Producers may
// call Enqueue concurrently with each other and with Close.
type Queue struct {
	ch chan relay.Event

	// mu guards closed; producers hold the read lock while sending so Close
	// never races a send on the channel.
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan relay.Event, capacity),
	}
}

// Enqueue pushes an event into the queue, blocking until there is room or the
// context ends.
func (q *Queue) Enqueue(ctx context.Context, ev relay.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- ev:
		return nil
	}
}

// TryEnqueue pushes an event without blocking.
func (q *Queue) TryEnqueue(ev relay.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events exposes the receive side for the scheduler loop. The channel is
// closed once Close has been called and every producer has returned.
func (q *Queue) Events() <-chan relay.Event {
	return q.ch
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops intake and closes the underlying channel. Buffered events remain
// readable. Calling Close more than once is safe.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
