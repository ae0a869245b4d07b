package tabsplit

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Collections
// ============================================================================

// Collection names a kind of entity stored locally and remotely.
type Collection string

const (
	CollectionMessages      Collection = "messages"
	CollectionConversations Collection = "conversations"
	CollectionExpenses      Collection = "expenses"
	CollectionExpenseItems  Collection = "expense_items"
)

// Collections lists every known collection.
var Collections = []Collection{
	CollectionMessages,
	CollectionConversations,
	CollectionExpenses,
	CollectionExpenseItems,
}

// ============================================================================
// Entity sum type
// ============================================================================

// Entity is the closed set of record bodies the engine knows how to store,
// queue and reconcile. Implementations: *Message, *Conversation, *Expense,
// *ExpenseItem.
type Entity interface {
	Kind() Collection
	EntityID() string
	SetEntityID(id string)
	// References returns the ids of other entities this one points to.
	References() []string
	// RewriteReference replaces every reference to from with to and reports
	// whether anything changed.
	RewriteReference(from, to string) bool
	// Clone returns a deep copy so queued and cached values never alias.
	Clone() Entity

	sealed()
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Message is a chat message in a conversation.
type Message struct {
	ID             string        `json:"id,omitempty"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status,omitempty"`
	IsTemp         bool          `json:"isTemp,omitempty"`
	FailReason     string        `json:"failReason,omitempty"`
}

func (m *Message) Kind() Collection      { return CollectionMessages }
func (m *Message) EntityID() string      { return m.ID }
func (m *Message) SetEntityID(id string) { m.ID = id }
func (m *Message) References() []string  { return []string{m.ConversationID} }
func (m *Message) sealed()               {}

// createPayload returns the body sent for a create. Temp ids and local
// delivery state never leave the client; ClientID stays so the server can
// echo it.
func createPayload(e Entity) Entity {
	out := e.Clone()
	if IsTempID(out.EntityID()) {
		out.SetEntityID("")
	}
	if m, ok := out.(*Message); ok {
		m.IsTemp = false
		m.Status = ""
		m.FailReason = ""
	}
	return out
}

func (m *Message) RewriteReference(from, to string) bool {
	if m.ConversationID == from {
		m.ConversationID = to
		return true
	}
	return false
}

func (m *Message) Clone() Entity {
	c := *m
	return &c
}

// Conversation is a chat thread between members.
type Conversation struct {
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title,omitempty"`
	MemberIDs []string  `json:"memberIds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Conversation) Kind() Collection                 { return CollectionConversations }
func (c *Conversation) EntityID() string                 { return c.ID }
func (c *Conversation) SetEntityID(id string)            { c.ID = id }
func (c *Conversation) References() []string             { return nil }
func (c *Conversation) RewriteReference(_, _ string) bool { return false }
func (c *Conversation) sealed()                          {}

func (c *Conversation) Clone() Entity {
	cp := *c
	cp.MemberIDs = append([]string(nil), c.MemberIDs...)
	return &cp
}

// Expense is a shared expense split between group members.
type Expense struct {
	ID          string           `json:"id,omitempty"`
	GroupID     string           `json:"groupId"`
	Description string           `json:"description"`
	AmountCents int64            `json:"amountCents"`
	Currency    string           `json:"currency"`
	PaidBy      string           `json:"paidBy"`
	Splits      map[string]int64 `json:"splits,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func (e *Expense) Kind() Collection      { return CollectionExpenses }
func (e *Expense) EntityID() string      { return e.ID }
func (e *Expense) SetEntityID(id string) { e.ID = id }
func (e *Expense) References() []string  { return nil }
func (e *Expense) sealed()               {}

func (e *Expense) RewriteReference(_, _ string) bool { return false }

func (e *Expense) Clone() Entity {
	cp := *e
	if e.Splits != nil {
		cp.Splits = make(map[string]int64, len(e.Splits))
		for k, v := range e.Splits {
			cp.Splits[k] = v
		}
	}
	return &cp
}

// ExpenseItem is a line item (e.g. one dish on a receipt) of an expense.
type ExpenseItem struct {
	ID          string    `json:"id,omitempty"`
	ExpenseID   string    `json:"expenseId"`
	Name        string    `json:"name"`
	AmountCents int64     `json:"amountCents"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (i *ExpenseItem) Kind() Collection      { return CollectionExpenseItems }
func (i *ExpenseItem) EntityID() string      { return i.ID }
func (i *ExpenseItem) SetEntityID(id string) { i.ID = id }
func (i *ExpenseItem) References() []string  { return []string{i.ExpenseID} }
func (i *ExpenseItem) sealed()               {}

func (i *ExpenseItem) RewriteReference(from, to string) bool {
	if i.ExpenseID == from {
		i.ExpenseID = to
		return true
	}
	return false
}

func (i *ExpenseItem) Clone() Entity {
	cp := *i
	return &cp
}

// ============================================================================
// Envelope encoding
// ============================================================================

// entityEnvelope is the persisted and wire form of an Entity.
type entityEnvelope struct {
	Kind Collection      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// NewEntity returns an empty entity of the given collection.
func NewEntity(kind Collection) (Entity, error) {
	switch kind {
	case CollectionMessages:
		return &Message{}, nil
	case CollectionConversations:
		return &Conversation{}, nil
	case CollectionExpenses:
		return &Expense{}, nil
	case CollectionExpenseItems:
		return &ExpenseItem{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// MarshalEntity encodes an entity with its kind tag.
func MarshalEntity(e Entity) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s entity: %w", e.Kind(), err)
	}
	return json.Marshal(entityEnvelope{Kind: e.Kind(), Data: data})
}

// UnmarshalEntity decodes an entity produced by MarshalEntity.
func UnmarshalEntity(data []byte) (Entity, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env entityEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode entity envelope: %w", err)
	}
	return decodeEntity(env.Kind, env.Data)
}

// decodeEntity decodes a bare JSON body as the given kind.
func decodeEntity(kind Collection, data []byte) (Entity, error) {
	e, err := NewEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s entity: %w", kind, err)
	}
	return e, nil
}

// entityCreatedAt returns the creation timestamp of any entity kind.
func entityCreatedAt(e Entity) time.Time {
	switch v := e.(type) {
	case *Message:
		return v.CreatedAt
	case *Conversation:
		return v.CreatedAt
	case *Expense:
		return v.CreatedAt
	case *ExpenseItem:
		return v.CreatedAt
	}
	return time.Time{}
}
