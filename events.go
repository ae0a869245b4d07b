package tabsplit

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Events
// ============================================================================

// EventType names an engine event.
type EventType string

const (
	EventNetworkOnline  EventType = "network.online"
	EventNetworkOffline EventType = "network.offline"

	EventMutationSending   EventType = "mutation.sending"
	EventMutationConfirmed EventType = "mutation.confirmed"
	EventMutationRetry     EventType = "mutation.retry"
	EventMutationFailed    EventType = "mutation.failed"
	EventQueueStalled      EventType = "queue.stalled"
	EventSyncPaused        EventType = "sync.paused"
	EventSyncResumed       EventType = "sync.resumed"

	EventMessageLocal     EventType = "message.local"
	EventMessageConfirmed EventType = "message.confirmed"
	EventMessageFailed    EventType = "message.failed"
	EventMessageReceived  EventType = "message.received"

	EventChannelOpen         EventType = "realtime.open"
	EventChannelClosed       EventType = "realtime.closed"
	EventChannelReconnecting EventType = "realtime.reconnecting"
)

// Event is delivered to handlers registered with On or OnAny. Only the
// fields relevant to Type are set.
type Event struct {
	Type        EventType
	QueueID     string
	Op          Operation
	Collection  Collection
	EntityID    string
	ServerID    string
	Kind        ErrorKind
	Error       string
	Attempts    int
	ResourceKey string
	Record      Entity
}

// EventHandler handles an engine event. Handlers run synchronously on the
// emitting goroutine and must not block.
type EventHandler func(Event)

type handlerEntry struct {
	id int
	fn EventHandler
}

type emitter struct {
	log zerolog.Logger

	mu     sync.RWMutex
	nextID int
	byType map[EventType][]handlerEntry
	any    []handlerEntry
}

func newEmitter(log zerolog.Logger) *emitter {
	return &emitter{log: log, byType: make(map[EventType][]handlerEntry)}
}

// On registers handler for one event type and returns its disposer.
func (e *emitter) On(t EventType, handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.byType[t] = append(e.byType[t], handlerEntry{id: id, fn: handler})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.byType[t] = removeHandler(e.byType[t], id)
	}
}

// OnAny registers handler for every event type and returns its disposer.
func (e *emitter) OnAny(handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.any = append(e.any, handlerEntry{id: id, fn: handler})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.any = removeHandler(e.any, id)
	}
}

func (e *emitter) emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := make([]handlerEntry, 0, len(e.byType[ev.Type])+len(e.any))
	handlers = append(handlers, e.byType[ev.Type]...)
	handlers = append(handlers, e.any...)
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("event handler panicked")
				}
			}()
			h.fn(ev)
		}()
	}
}

func removeHandler(list []handlerEntry, id int) []handlerEntry {
	for i, h := range list {
		if h.id == id {
			out := make([]handlerEntry, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}
