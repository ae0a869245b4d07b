package tabsplit

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Local cache records
// ============================================================================

// CachedRecord is one entry of the local cache, keyed by (Collection, ID).
type CachedRecord struct {
	Collection Collection
	ID         string
	Entity     Entity
	UpdatedAt  time.Time
	// Seq is the insertion ordinal assigned by the cache. Replacing a record
	// in place keeps its Seq so it keeps its position.
	Seq uint64
}

type cachedRecordJSON struct {
	Collection Collection      `json:"collection"`
	ID         string          `json:"id"`
	Entity     json.RawMessage `json:"entity"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Seq        uint64          `json:"seq"`
}

func (r CachedRecord) MarshalJSON() ([]byte, error) {
	data, err := MarshalEntity(r.Entity)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cachedRecordJSON{
		Collection: r.Collection,
		ID:         r.ID,
		Entity:     data,
		UpdatedAt:  r.UpdatedAt,
		Seq:        r.Seq,
	})
}

func (r *CachedRecord) UnmarshalJSON(data []byte) error {
	var raw cachedRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e, err := UnmarshalEntity(raw.Entity)
	if err != nil {
		return err
	}
	*r = CachedRecord{
		Collection: raw.Collection,
		ID:         raw.ID,
		Entity:     e,
		UpdatedAt:  raw.UpdatedAt,
		Seq:        raw.Seq,
	}
	return nil
}

// clone returns a copy whose entity does not alias the receiver's.
func (r CachedRecord) clone() CachedRecord {
	if r.Entity != nil {
		r.Entity = r.Entity.Clone()
	}
	return r
}

// RecordOf wraps an entity as a cache record stamped with updatedAt.
func RecordOf(e Entity, updatedAt time.Time) CachedRecord {
	return CachedRecord{
		Collection: e.Kind(),
		ID:         e.EntityID(),
		Entity:     e,
		UpdatedAt:  updatedAt,
	}
}

// ============================================================================
// Mutation queue
// ============================================================================

// Operation is the kind of write a queued mutation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	StatusPending  MutationStatus = "pending"
	StatusInFlight MutationStatus = "in_flight"
	StatusFailed   MutationStatus = "failed"
)

// QueuedMutation is one pending write. QueueID is generated on the client,
// survives restarts and is sent as the idempotency token.
type QueuedMutation struct {
	QueueID    string
	Op         Operation
	Collection Collection
	// EntityID is the target id; for a Create it is the temp id.
	EntityID      string
	Entity        Entity
	EnqueuedAt    time.Time
	Attempts      int
	Status        MutationStatus
	NextAttemptAt time.Time
	LastError     string
}

type queuedMutationJSON struct {
	QueueID       string          `json:"queueId"`
	Op            Operation       `json:"op"`
	Collection    Collection      `json:"collection"`
	EntityID      string          `json:"entityId"`
	Entity        json.RawMessage `json:"entity,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Attempts      int             `json:"attempts"`
	Status        MutationStatus  `json:"status"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

func (m QueuedMutation) MarshalJSON() ([]byte, error) {
	data, err := MarshalEntity(m.Entity)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queuedMutationJSON{
		QueueID:       m.QueueID,
		Op:            m.Op,
		Collection:    m.Collection,
		EntityID:      m.EntityID,
		Entity:        data,
		EnqueuedAt:    m.EnqueuedAt,
		Attempts:      m.Attempts,
		Status:        m.Status,
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
	})
}

func (m *QueuedMutation) UnmarshalJSON(data []byte) error {
	var raw queuedMutationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e, err := UnmarshalEntity(raw.Entity)
	if err != nil {
		return err
	}
	*m = QueuedMutation{
		QueueID:       raw.QueueID,
		Op:            raw.Op,
		Collection:    raw.Collection,
		EntityID:      raw.EntityID,
		Entity:        e,
		EnqueuedAt:    raw.EnqueuedAt,
		Attempts:      raw.Attempts,
		Status:        raw.Status,
		NextAttemptAt: raw.NextAttemptAt,
		LastError:     raw.LastError,
	}
	return nil
}

func (m *QueuedMutation) clone() *QueuedMutation {
	c := *m
	if m.Entity != nil {
		c.Entity = m.Entity.Clone()
	}
	return &c
}

// ============================================================================
// Push events
// ============================================================================

// PushEventType is the change kind carried by a push event.
type PushEventType string

const (
	PushInsert PushEventType = "insert"
	PushUpdate PushEventType = "update"
	PushDelete PushEventType = "delete"
)

// PushEvent is a server-initiated change notification for a resource.
type PushEvent struct {
	Type        PushEventType
	ResourceKey string
	Collection  Collection
	ID          string
	Record      Entity
	At          time.Time
}

// pushEnvelope is the wire format shared by every push transport.
type pushEnvelope struct {
	Type       PushEventType   `json:"type"`
	Resource   string          `json:"resource"`
	Collection Collection      `json:"collection"`
	ID         string          `json:"id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	At         time.Time       `json:"at,omitempty"`
}

// decodePushEvent parses a push envelope. Records are sent as bare JSON
// bodies; the collection field selects the entity kind.
func decodePushEvent(data []byte) (PushEvent, error) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return PushEvent{}, err
	}
	ev := PushEvent{
		Type:        env.Type,
		ResourceKey: env.Resource,
		Collection:  env.Collection,
		ID:          env.ID,
		At:          env.At,
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		rec, err := decodeEntity(env.Collection, env.Data)
		if err != nil {
			return PushEvent{}, err
		}
		ev.Record = rec
		if ev.ID == "" {
			ev.ID = rec.EntityID()
		}
	}
	return ev, nil
}

// ConversationKey is the push resource key for messages in a conversation.
func ConversationKey(conversationID string) string {
	return "conversation:" + conversationID
}
