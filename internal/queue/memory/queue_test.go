package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan relay.Event, 1)

	go func() {
		result <- <-q.Events()
	}()

	if err := q.Enqueue(context.Background(), relay.Event{ID: "ev-1", Key: "A"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case got := <-result:
		if got.ID != "ev-1" || got.Key != "A" {
			t.Fatalf("expected ev-1/A, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestQueuePreservesFIFOOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	for _, id := range []string{"1", "2", "3"} {
		if err := q.TryEnqueue(relay.Event{ID: id}); err != nil {
			t.Fatalf("TryEnqueue(%s) error = %v", id, err)
		}
	}
	q.Close()
	var got []string
	for ev := range q.Events() {
		got = append(got, ev.ID)
	}
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("expected [1 2 3], got %v", got)
	}
}

func TestQueueTryEnqueueFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if err := q.TryEnqueue(relay.Event{ID: "primed"}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if err := q.TryEnqueue(relay.Event{ID: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 1 || q.Cap() != 1 {
		t.Fatalf("expected len=1 cap=1, got len=%d cap=%d", q.Len(), q.Cap())
	}
}

func TestQueueEnqueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if err := q.Enqueue(context.Background(), relay.Event{ID: "primed"}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Enqueue(ctx, relay.Event{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	if _, ok := <-q.Events(); ok {
		t.Fatal("expected closed channel")
	}
	if err := q.Enqueue(context.Background(), relay.Event{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.TryEnqueue(relay.Event{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}
