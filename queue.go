package tabsplit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const queueKey = "queue"

// Queue is the durable FIFO of mutations that have not yet been confirmed by
// the remote service. Every transition is written to storage before the call
// returns. Entries leave the queue only on success or permanent failure.
//
// A non-permanent MarkFailed leaves the entry at the head with status Failed,
// which stalls the queue until ResetAttempts.
type Queue struct {
	log     zerolog.Logger
	store   BlobStore
	metrics *Metrics
	now     func() time.Time

	mu    sync.RWMutex
	items []*QueuedMutation
}

// NewQueue creates an empty queue over store. Call Load to restore
// persisted state.
func NewQueue(store BlobStore, log zerolog.Logger, metrics *Metrics) *Queue {
	return &Queue{
		log:     log,
		store:   store,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load restores the queue from storage. Entries that were InFlight when the
// process stopped are restored as Pending so their send is replayed with the
// same idempotency token.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, ok, err := q.store.ReadBlob(queueKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok {
		q.items = nil
		q.metrics.setQueueDepth(0)
		return nil
	}
	var items []*QueuedMutation
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}
	restored := 0
	for _, m := range items {
		if m.Status == StatusInFlight {
			m.Status = StatusPending
			restored++
		}
	}
	q.items = items
	q.metrics.setQueueDepth(len(items))
	if restored > 0 {
		q.log.Info().Int("count", restored).Msg("restored in-flight mutations as pending")
	}
	return nil
}

// Enqueue appends a new Pending mutation and returns its queue id.
func (q *Queue) Enqueue(op Operation, col Collection, entityID string, entity Entity) (string, error) {
	id := NewQueueID()
	if err := q.enqueue(id, op, col, entityID, entity); err != nil {
		return "", err
	}
	return id, nil
}

// enqueue appends a mutation under a queue id chosen by the caller, used when
// the id has to be embedded in the entity before it is queued.
func (q *Queue) enqueue(id string, op Operation, col Collection, entityID string, entity Entity) error {
	m := &QueuedMutation{
		QueueID:    id,
		Op:         op,
		Collection: col,
		EntityID:   entityID,
		EnqueuedAt: q.now(),
		Status:     StatusPending,
	}
	if entity != nil {
		m.Entity = entity.Clone()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next := make([]*QueuedMutation, 0, len(q.items)+1)
	next = append(next, q.items...)
	next = append(next, m)
	if err := q.commit(next); err != nil {
		return err
	}
	q.log.Debug().Str("queue_id", id).Str("op", string(op)).Str("collection", string(col)).Str("entity_id", entityID).Msg("enqueued")
	return nil
}

// PeekNext returns a copy of the head of the queue without removing it.
func (q *Queue) PeekNext() (*QueuedMutation, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0].clone(), true
}

// Get returns a copy of the mutation with the given queue id.
func (q *Queue) Get(id string) (*QueuedMutation, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if i := q.index(id); i >= 0 {
		return q.items[i].clone(), true
	}
	return nil, false
}

// List returns copies of all mutations in FIFO order.
func (q *Queue) List() []*QueuedMutation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*QueuedMutation, len(q.items))
	for i, m := range q.items {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of queued mutations.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// MarkInFlight records that a send for id has started.
func (q *Queue) MarkInFlight(id string) error {
	return q.update(id, func(m *QueuedMutation) {
		m.Status = StatusInFlight
	})
}

// MarkDone removes a mutation the remote service confirmed.
func (q *Queue) MarkDone(id string) error {
	return q.remove(id, false)
}

// MarkFailed records a failed send. A permanent failure removes the entry;
// otherwise it stays at its position with status Failed.
func (q *Queue) MarkFailed(id string, permanent bool, reason string) error {
	if permanent {
		q.log.Warn().Str("queue_id", id).Str("reason", reason).Msg("mutation dropped after permanent failure")
		return q.remove(id, false)
	}
	return q.update(id, func(m *QueuedMutation) {
		m.Status = StatusFailed
		m.LastError = reason
	})
}

// Requeue puts id back to Pending with the given attempt count and earliest
// next attempt time.
func (q *Queue) Requeue(id string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	return q.update(id, func(m *QueuedMutation) {
		m.Status = StatusPending
		m.Attempts = attempts
		m.NextAttemptAt = nextAttemptAt
		m.LastError = lastErr
	})
}

// ResetAttempts returns every Failed entry to Pending with a fresh attempt
// budget and clears pending backoff delays. It reports how many entries
// changed.
func (q *Queue) ResetAttempts() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := 0
	next := make([]*QueuedMutation, len(q.items))
	for i, m := range q.items {
		if m.Status != StatusFailed && m.NextAttemptAt.IsZero() {
			next[i] = m
			continue
		}
		c := m.clone()
		if c.Status == StatusFailed {
			c.Status = StatusPending
			c.Attempts = 0
		}
		c.NextAttemptAt = time.Time{}
		next[i] = c
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, q.commit(next)
}

// Cancel drops a mutation the caller abandoned. A mutation that is being
// sent cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	return q.remove(id, true)
}

// RewriteReferences replaces every occurrence of from with to in the target
// ids and entity bodies of all mutations not currently in flight, except the
// target id of a create for from itself. It returns the number of mutations
// changed.
func (q *Queue) RewriteReferences(from, to string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := 0
	next := make([]*QueuedMutation, len(q.items))
	for i, m := range q.items {
		next[i] = m
		if m.Status == StatusInFlight {
			continue
		}
		// A create keeps its own temp id: its confirmation looks the
		// optimistic record up by it.
		ownCreate := m.Op == OpCreate && m.EntityID == from
		hit := m.EntityID == from && !ownCreate
		if !hit && m.Entity != nil {
			hit = referencesID(m.Entity, from)
		}
		if !hit {
			continue
		}
		c := m.clone()
		if !ownCreate {
			if c.EntityID == from {
				c.EntityID = to
			}
			if c.Entity != nil && c.Entity.EntityID() == from {
				c.Entity.SetEntityID(to)
			}
		}
		if c.Entity != nil {
			c.Entity.RewriteReference(from, to)
		}
		next[i] = c
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, q.commit(next)
}

func (q *Queue) index(id string) int {
	for i, m := range q.items {
		if m.QueueID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) update(id string, fn func(*QueuedMutation)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	next := make([]*QueuedMutation, len(q.items))
	copy(next, q.items)
	c := q.items[i].clone()
	fn(c)
	next[i] = c
	return q.commit(next)
}

func (q *Queue) remove(id string, rejectInFlight bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if rejectInFlight && q.items[i].Status == StatusInFlight {
		return fmt.Errorf("mutation %s: %w", id, ErrInFlight)
	}
	next := make([]*QueuedMutation, 0, len(q.items)-1)
	next = append(next, q.items[:i]...)
	next = append(next, q.items[i+1:]...)
	return q.commit(next)
}

// commit persists next and makes it the current state.
func (q *Queue) commit(next []*QueuedMutation) error {
	if next == nil {
		next = []*QueuedMutation{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.WriteBlob(queueKey, data); err != nil {
		q.log.Error().Err(err).Msg("queue flush failed")
		return fmt.Errorf("persist queue: %w", err)
	}
	q.items = next
	q.metrics.setQueueDepth(len(next))
	return nil
}
