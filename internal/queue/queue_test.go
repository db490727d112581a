package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/pkg/types"
)

func enqueue(t *testing.T, q *Queue[string], id string, p types.Priority) {
	t.Helper()
	require.NoError(t, q.Enqueue(Entry[string]{ID: id, Priority: p, Value: id}))
}

func TestOrderPriorityThenFIFO(t *testing.T) {
	// GIVEN mixed priorities enqueued in a known order
	q := New[string](nil)
	enqueue(t, q, "n1", types.PriorityNormal)
	enqueue(t, q, "l1", types.PriorityLow)
	enqueue(t, q, "h1", types.PriorityHigh)
	enqueue(t, q, "n2", types.PriorityNormal)
	enqueue(t, q, "h2", types.PriorityHigh)
	enqueue(t, q, "u1", types.PriorityUrgent)

	// WHEN draining via Dequeue
	var got []string
	for {
		e, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, e.Value)
	}

	// THEN higher priority comes first and ties keep enqueue order
	assert.Equal(t, []string{"u1", "h1", "h2", "n1", "n2", "l1"}, got)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New[string](nil)
	_, ok := q.Peek()
	assert.False(t, ok)

	enqueue(t, q, "a", types.PriorityNormal)
	e, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", e.ID)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueStampsTimeAndRejectsDuplicates(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := New[string](func() time.Time { return fixed })
	enqueue(t, q, "a", types.PriorityNormal)
	e, _ := q.Peek()
	assert.Equal(t, fixed, e.Enqueued)

	err := q.Enqueue(Entry[string]{ID: "a"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCancelRemovesDeterministically(t *testing.T) {
	q := New[string](nil)
	enqueue(t, q, "a", types.PriorityNormal)
	enqueue(t, q, "b", types.PriorityNormal)
	enqueue(t, q, "c", types.PriorityNormal)

	assert.True(t, q.Cancel("b"))
	assert.Equal(t, []string{"a", "c"}, q.IDs())
	assert.False(t, q.Contains("b"))

	// Already removed or never queued: no-op returning false.
	assert.False(t, q.Cancel("b"))
	assert.False(t, q.Cancel("zzz"))

	// Dispatched entries cannot be cancelled.
	e, ok := q.Dequeue()
	require.True(t, ok)
	assert.False(t, q.Cancel(e.ID))
}

func TestExpireRemovesOnlyPastDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New[string](nil)
	require.NoError(t, q.Enqueue(Entry[string]{ID: "late", Priority: types.PriorityHigh, Deadline: now.Add(-time.Second)}))
	require.NoError(t, q.Enqueue(Entry[string]{ID: "ok", Priority: types.PriorityNormal, Deadline: now.Add(time.Minute)}))
	require.NoError(t, q.Enqueue(Entry[string]{ID: "none", Priority: types.PriorityLow}))
	require.NoError(t, q.Enqueue(Entry[string]{ID: "late2", Priority: types.PriorityLow, Deadline: now.Add(-time.Millisecond)}))

	expired := q.Expire(now)
	require.Len(t, expired, 2)
	assert.Equal(t, "late", expired[0].ID)
	assert.Equal(t, "late2", expired[1].ID)
	assert.Equal(t, []string{"ok", "none"}, q.IDs())
}

func TestDrainEmptiesInOrder(t *testing.T) {
	q := New[string](nil)
	enqueue(t, q, "a", types.PriorityLow)
	enqueue(t, q, "b", types.PriorityHigh)

	out := q.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].ID)
	assert.Equal(t, 0, q.Len())
	// Ids are reusable after a drain.
	enqueue(t, q, "a", types.PriorityLow)
}

func TestNextDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New[string](nil)
	_, ok := q.NextDeadline()
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(Entry[string]{ID: "a", Deadline: now.Add(time.Minute)}))
	require.NoError(t, q.Enqueue(Entry[string]{ID: "b"}))
	require.NoError(t, q.Enqueue(Entry[string]{ID: "c", Priority: types.PriorityLow, Deadline: now.Add(time.Second)}))
	d, ok := q.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), d)
}
