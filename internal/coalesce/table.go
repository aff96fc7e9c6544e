// Package coalesce holds pending notification groups keyed by coalescing key
// and tracks when each group becomes ready to flush.
package coalesce

import (
	"container/heap"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

// OverflowPolicy selects what happens when a new key arrives at a full table.
type OverflowPolicy string

// Supported overflow policies.
const (
	// OverflowFlushOldest force-flushes the group closest to its deadline.
	OverflowFlushOldest OverflowPolicy = "flush_oldest"
	// OverflowReject drops the event that would have created the new group.
	OverflowReject OverflowPolicy = "reject"
)

var (
	// ErrEmptyKey is returned when Upsert is called without a coalescing key.
	ErrEmptyKey = errors.New("coalescing key is required")
	// ErrTableFull is returned by Upsert under OverflowReject when a new key
	// cannot be admitted.
	ErrTableFull = errors.New("coalescing table is full")
)

// Options configures a Table.
//   - Window: silence required after the last arrival before a group is ready.
//   - MaxAge: optional cap on how long a group may stay pending since its first
//     arrival (0 disables the cap).
//   - MaxGroups: optional bound on the number of pending groups (0 = unbounded).
//   - Overflow: policy applied when MaxGroups is reached (default flush_oldest).
type Options struct {
	Window    time.Duration
	MaxAge    time.Duration
	MaxGroups int
	Overflow  OverflowPolicy
}

// Group is the accumulated state for one coalescing key.
type Group struct {
	Key         string
	Items       []relay.Fragment
	FirstUpdate time.Time
	LastUpdate  time.Time
}

// Table maps coalescing keys to pending groups. The window slides: every
// arrival for a key pushes its deadline out again, so a key that receives
// traffic more often than Window never becomes ready unless MaxAge is set.
//
// Table is not safe for concurrent use; the scheduler loop owns it.
type Table struct {
	opts  Options
	byKey map[string]*entry
	queue deadlineQueue
	seq   uint64
}

type entry struct {
	group    Group
	deadline time.Time
	seq      uint64
	index    int
}

// NewTable constructs an empty Table.
func NewTable(opts Options) *Table {
	if opts.Window < 0 {
		opts.Window = 0
	}
	if opts.MaxAge < 0 {
		opts.MaxAge = 0
	}
	if opts.MaxGroups < 0 {
		opts.MaxGroups = 0
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowFlushOldest
	}
	return &Table{
		opts:  opts,
		byKey: make(map[string]*entry),
	}
}

// ParseOverflowPolicy validates a configured policy name.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", OverflowFlushOldest:
		return OverflowFlushOldest, nil
	case OverflowReject:
		return OverflowReject, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", name)
	}
}

// Window returns the configured debounce window.
func (t *Table) Window() time.Duration {
	return t.opts.Window
}

// Len returns the number of pending groups.
func (t *Table) Len() int {
	return len(t.byKey)
}

// Upsert appends fragment to the group for key, creating the group when it
// does not exist, and sets its last update to now. When admitting a new key
// would exceed MaxGroups, the overflow policy applies: under flush_oldest the
// displaced group is returned for the caller to flush; under reject
// ErrTableFull is returned and the table is left unchanged.
func (t *Table) Upsert(key string, fragment relay.Fragment, now time.Time) ([]Group, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	if e, ok := t.byKey[key]; ok {
		e.group.Items = append(e.group.Items, fragment)
		e.group.LastUpdate = now
		t.seq++
		e.seq = t.seq
		e.deadline = t.deadlineFor(e.group)
		heap.Fix(&t.queue, e.index)
		return nil, nil
	}

	var evicted []Group
	if t.opts.MaxGroups > 0 && len(t.byKey) >= t.opts.MaxGroups {
		if t.opts.Overflow == OverflowReject {
			return nil, ErrTableFull
		}
		if g, ok := t.TakeOldest(); ok {
			evicted = append(evicted, g)
		}
	}

	t.seq++
	e := &entry{
		group: Group{
			Key:         key,
			Items:       []relay.Fragment{fragment},
			FirstUpdate: now,
			LastUpdate:  now,
		},
		seq: t.seq,
	}
	e.deadline = t.deadlineFor(e.group)
	t.byKey[key] = e
	heap.Push(&t.queue, e)
	return evicted, nil
}

// TakeReady removes and returns every group whose deadline is at or before
// now, in deadline order. A group is ready once now - LastUpdate >= Window,
// or once now - FirstUpdate >= MaxAge when a cap is configured.
func (t *Table) TakeReady(now time.Time) []Group {
	var ready []Group
	for len(t.queue) > 0 && !t.queue[0].deadline.After(now) {
		e, ok := heap.Pop(&t.queue).(*entry)
		if !ok {
			break
		}
		delete(t.byKey, e.group.Key)
		ready = append(ready, e.group)
	}
	return ready
}

// TakeOldest removes and returns the group with the earliest deadline.
func (t *Table) TakeOldest() (Group, bool) {
	if len(t.queue) == 0 {
		return Group{}, false
	}
	e, ok := heap.Pop(&t.queue).(*entry)
	if !ok {
		return Group{}, false
	}
	delete(t.byKey, e.group.Key)
	return e.group, true
}

// TakeAll removes every pending group, in deadline order.
func (t *Table) TakeAll() []Group {
	all := make([]Group, 0, len(t.queue))
	for len(t.queue) > 0 {
		g, _ := t.TakeOldest()
		all = append(all, g)
	}
	return all
}

// EarliestDeadline returns the soonest time any pending group becomes ready.
// The boolean is false when the table is empty.
func (t *Table) EarliestDeadline() (time.Time, bool) {
	if len(t.queue) == 0 {
		return time.Time{}, false
	}
	return t.queue[0].deadline, true
}

func (t *Table) deadlineFor(g Group) time.Time {
	deadline := g.LastUpdate.Add(t.opts.Window)
	if t.opts.MaxAge > 0 {
		if capped := g.FirstUpdate.Add(t.opts.MaxAge); capped.Before(deadline) {
			deadline = capped
		}
	}
	return deadline
}

// deadlineQueue is a min-heap of entries ordered by deadline, then by the
// sequence of their last update.
type deadlineQueue []*entry

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	e, ok := x.(*entry)
	if !ok {
		return
	}
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
