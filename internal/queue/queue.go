// Package queue implements the per-tier admission queue.
//
// Entries are ordered by priority (descending) and then by enqueue order,
// so equal-priority entries keep FIFO order. The queue is safe for
// concurrent use.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"

	"aegis/pkg/types"
)

// ErrDuplicate is returned when an entry with the same ID is already queued.
var ErrDuplicate = errors.New("queue: duplicate entry id")

// Entry is a queued item plus its admission metadata.
type Entry[T any] struct {
	ID       string
	Priority types.Priority
	Enqueued time.Time
	// Deadline is the latest admission time; zero means none.
	Deadline time.Time
	Value    T

	seq uint64
}

// key orders the tree: higher priority first, then lower sequence.
type key struct {
	priority types.Priority
	seq      uint64
}

func compareKeys(a, b interface{}) int {
	ka, kb := a.(key), b.(key)
	switch {
	case ka.priority > kb.priority:
		return -1
	case ka.priority < kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Queue is an ordered admission queue.
type Queue[T any] struct {
	mu    sync.Mutex
	tree  *redblacktree.Tree
	index map[string]key
	seq   uint64
	now   func() time.Time
}

// New returns an empty queue. now may be nil (time.Now).
func New[T any](now func() time.Time) *Queue[T] {
	if now == nil {
		now = time.Now
	}
	return &Queue[T]{
		tree:  redblacktree.NewWith(compareKeys),
		index: make(map[string]key),
		now:   now,
	}
}

// Enqueue adds e. A zero Enqueued time is stamped with the queue clock.
func (q *Queue[T]) Enqueue(e Entry[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.index[e.ID]; dup {
		return ErrDuplicate
	}
	q.seq++
	e.seq = q.seq
	if e.Enqueued.IsZero() {
		e.Enqueued = q.now()
	}
	k := key{priority: e.Priority, seq: e.seq}
	q.tree.Put(k, e)
	q.index[e.ID] = k
	return nil
}

// Peek returns the next entry to admit without removing it.
func (q *Queue[T]) Peek() (Entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.tree.Left()
	if n == nil {
		var zero Entry[T]
		return zero, false
	}
	return n.Value.(Entry[T]), true
}

// Dequeue removes and returns the next entry to admit.
func (q *Queue[T]) Dequeue() (Entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.tree.Left()
	if n == nil {
		var zero Entry[T]
		return zero, false
	}
	e := n.Value.(Entry[T])
	q.tree.Remove(n.Key)
	delete(q.index, e.ID)
	return e, true
}

// Cancel removes the entry with id if it is still queued. It returns false
// when the id is unknown, e.g. already dequeued for dispatch.
func (q *Queue[T]) Cancel(id string) bool {
	_, ok := q.Remove(id)
	return ok
}

// Remove is Cancel that also returns the removed entry.
func (q *Queue[T]) Remove(id string) (Entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k, ok := q.index[id]
	if !ok {
		var zero Entry[T]
		return zero, false
	}
	v, _ := q.tree.Get(k)
	q.tree.Remove(k)
	delete(q.index, id)
	return v.(Entry[T]), true
}

// Expire removes and returns every entry whose deadline is before now,
// in admission order.
func (q *Queue[T]) Expire(now time.Time) []Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry[T]
	it := q.tree.Iterator()
	for it.Next() {
		e := it.Value().(Entry[T])
		if !e.Deadline.IsZero() && now.After(e.Deadline) {
			out = append(out, e)
		}
	}
	for _, e := range out {
		q.tree.Remove(key{priority: e.Priority, seq: e.seq})
		delete(q.index, e.ID)
	}
	return out
}

// Drain removes and returns all entries in admission order.
func (q *Queue[T]) Drain() []Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry[T], 0, q.tree.Size())
	it := q.tree.Iterator()
	for it.Next() {
		out = append(out, it.Value().(Entry[T]))
	}
	q.tree.Clear()
	clear(q.index)
	return out
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Size()
}

// Contains reports whether id is queued.
func (q *Queue[T]) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// IDs returns queued ids in admission order.
func (q *Queue[T]) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, q.tree.Size())
	it := q.tree.Iterator()
	for it.Next() {
		out = append(out, it.Value().(Entry[T]).ID)
	}
	return out
}

// NextDeadline returns the earliest deadline among queued entries.
func (q *Queue[T]) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	it := q.tree.Iterator()
	for it.Next() {
		d := it.Value().(Entry[T]).Deadline
		if !d.IsZero() && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}
	return next, !next.IsZero()
}
