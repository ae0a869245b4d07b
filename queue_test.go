package tabsplit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, store BlobStore) *Queue {
	t.Helper()
	q := NewQueue(store, zerolog.Nop(), nil)
	require.NoError(t, q.Load())
	return q
}

func queueIDs(items []*QueuedMutation) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.QueueID
	}
	return out
}

// ============================================================================
// FIFO / transitions
// ============================================================================

func TestQueueEnqueue(t *testing.T) {
	q := newTestQueue(t, NewMemoryBlobStore())

	first, err := q.Enqueue(OpCreate, CollectionExpenses, "temp-e", expense("temp-e", "dinner"))
	require.NoError(t, err)
	second, err := q.Enqueue(OpDelete, CollectionExpenses, "e-9", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	head, ok := q.PeekNext()
	require.True(t, ok)
	assert.Equal(t, first, head.QueueID)
	assert.Equal(t, StatusPending, head.Status)
	assert.Equal(t, "dinner", head.Entity.(*Expense).Description)

	assert.Equal(t, []string{first, second}, queueIDs(q.List()))
	assert.Equal(t, 2, q.Len())
}

func TestQueueTransitions(t *testing.T) {
	t.Run("done removes", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryBlobStore())
		id, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-1", nil)
		require.NoError(t, q.MarkInFlight(id))
		m, _ := q.Get(id)
		assert.Equal(t, StatusInFlight, m.Status)

		require.NoError(t, q.MarkDone(id))
		assert.Equal(t, 0, q.Len())
		assert.ErrorIs(t, q.MarkDone(id), ErrNotFound)
	})

	t.Run("permanent failure removes", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryBlobStore())
		id, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-1", nil)
		require.NoError(t, q.MarkFailed(id, true, "rejected"))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("transient failure keeps the entry in place", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryBlobStore())
		id, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-1", nil)
		other, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-2", nil)
		require.NoError(t, q.MarkFailed(id, false, "timeout"))

		head, _ := q.PeekNext()
		assert.Equal(t, id, head.QueueID)
		assert.Equal(t, StatusFailed, head.Status)
		assert.Equal(t, "timeout", head.LastError)
		assert.Equal(t, []string{id, other}, queueIDs(q.List()))
	})

	t.Run("requeue and reset", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryBlobStore())
		id, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-1", nil)
		backedOff, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-2", nil)
		untouched, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-3", nil)

		require.NoError(t, q.Requeue(id, 5, time.Time{}, "boom"))
		require.NoError(t, q.MarkFailed(id, false, "boom"))
		require.NoError(t, q.Requeue(backedOff, 1, time.Now().Add(time.Hour), "slow"))

		n, err := q.ResetAttempts()
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		m, _ := q.Get(id)
		assert.Equal(t, StatusPending, m.Status)
		assert.Equal(t, 0, m.Attempts)
		m, _ = q.Get(backedOff)
		assert.True(t, m.NextAttemptAt.IsZero())
		assert.Equal(t, 1, m.Attempts)
		m, _ = q.Get(untouched)
		assert.Equal(t, StatusPending, m.Status)

		n, err = q.ResetAttempts()
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("cancel", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryBlobStore())
		pending, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-1", nil)
		inflight, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-2", nil)
		require.NoError(t, q.MarkInFlight(inflight))

		require.NoError(t, q.Cancel(pending))
		assert.ErrorIs(t, q.Cancel(inflight), ErrInFlight)
		assert.ErrorIs(t, q.Cancel("nope"), ErrNotFound)
		assert.Equal(t, []string{inflight}, queueIDs(q.List()))
	})
}

// ============================================================================
// Durability
// ============================================================================

func TestQueueLoad(t *testing.T) {
	store := NewMemoryBlobStore()
	q := newTestQueue(t, store)
	a, _ := q.Enqueue(OpCreate, CollectionExpenses, "temp-e", expense("temp-e", "dinner"))
	b, _ := q.Enqueue(OpUpdate, CollectionExpenses, "temp-e", expense("temp-e", "dinner for two"))
	require.NoError(t, q.Requeue(a, 2, time.Time{}, "timeout"))
	require.NoError(t, q.MarkInFlight(a))

	restored := newTestQueue(t, store)
	items := restored.List()
	require.Len(t, items, 2)
	assert.Equal(t, []string{a, b}, queueIDs(items))
	assert.Equal(t, StatusPending, items[0].Status, "in-flight entries are replayed")
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, "dinner for two", items[1].Entity.(*Expense).Description)
}

func TestQueueFailedWriteLeavesStateUnchanged(t *testing.T) {
	store := &failingStore{MemoryBlobStore: NewMemoryBlobStore()}
	q := newTestQueue(t, store)
	id, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-1", nil)

	store.fail.Store(true)
	_, err := q.Enqueue(OpDelete, CollectionExpenses, "e-2", nil)
	require.Error(t, err)
	require.Error(t, q.MarkInFlight(id))

	m, _ := q.Get(id)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 1, q.Len())
}

// ============================================================================
// RewriteReferences
// ============================================================================

func TestQueueRewriteReferences(t *testing.T) {
	q := newTestQueue(t, NewMemoryBlobStore())
	create, _ := q.Enqueue(OpCreate, CollectionExpenses, "temp-e", expense("temp-e", "dinner"))
	item, _ := q.Enqueue(OpCreate, CollectionExpenseItems, "temp-i", &ExpenseItem{ID: "temp-i", ExpenseID: "temp-e", Name: "pasta"})
	update, _ := q.Enqueue(OpUpdate, CollectionExpenses, "temp-e", expense("temp-e", "dinner for two"))
	unrelated, _ := q.Enqueue(OpDelete, CollectionExpenses, "e-7", nil)

	n, err := q.RewriteReferences("temp-e", "e-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, _ := q.Get(create)
	assert.Equal(t, "temp-e", m.EntityID, "a create keeps its own temp id")
	assert.Equal(t, "temp-e", m.Entity.EntityID())

	m, _ = q.Get(item)
	assert.Equal(t, "e-1", m.Entity.(*ExpenseItem).ExpenseID)
	assert.Equal(t, "temp-i", m.EntityID)

	m, _ = q.Get(update)
	assert.Equal(t, "e-1", m.EntityID)
	assert.Equal(t, "e-1", m.Entity.EntityID())

	m, _ = q.Get(unrelated)
	assert.Equal(t, "e-7", m.EntityID)
}

func TestQueueRewriteReferencesSkipsInFlight(t *testing.T) {
	q := newTestQueue(t, NewMemoryBlobStore())
	item, _ := q.Enqueue(OpCreate, CollectionExpenseItems, "temp-i", &ExpenseItem{ID: "temp-i", ExpenseID: "temp-e"})
	require.NoError(t, q.MarkInFlight(item))

	n, err := q.RewriteReferences("temp-e", "e-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	m, _ := q.Get(item)
	assert.Equal(t, "temp-e", m.Entity.(*ExpenseItem).ExpenseID)
}
