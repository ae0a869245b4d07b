package tabsplit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReconcilerOptions configures message reconciliation.
type ReconcilerOptions struct {
	// UserID is the local user; push inserts from anyone else notify.
	UserID string
	// MatchTolerance is how far apart the creation times of a temp message
	// and an incoming server message may be for a content match.
	MatchTolerance time.Duration
	// SendTimeout marks a message Failed when it stayed Sending longer than
	// this and its send has not started. 0 disables the timeout.
	SendTimeout time.Duration
	// SweepInterval is how often the send timeout is checked.
	SweepInterval time.Duration
}

func (o *ReconcilerOptions) defaults() {
	if o.MatchTolerance <= 0 {
		o.MatchTolerance = 2 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
}

// Page is one page of a conversation, newest first.
type Page struct {
	Messages []*Message
	// Cursor is the CreatedAt of the oldest message in the page; pass it as
	// before to fetch the next page.
	Cursor  time.Time
	HasMore bool
}

// MessageReconciler owns the optimistic message lifecycle
// (Sending with a temp id, then Sent or Failed) and merges push events and
// sync confirmations into the cache so a message is never shown twice.
type MessageReconciler struct {
	log        zerolog.Logger
	opts       ReconcilerOptions
	cache      *Cache
	queue      *Queue
	dispatcher *Dispatcher
	sync       *SyncEngine
	realtime   *RealtimeManager
	notifier   Notifier
	events     *emitter
	online     func() bool
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMessageReconciler wires the reconciler and registers it with sync as
// the reconciler for the messages collection.
func NewMessageReconciler(cache *Cache, queue *Queue, dispatcher *Dispatcher, syncer *SyncEngine, realtime *RealtimeManager, notifier Notifier, online func() bool, opts ReconcilerOptions, log zerolog.Logger) *MessageReconciler {
	opts.defaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	r := &MessageReconciler{
		log:        log,
		opts:       opts,
		cache:      cache,
		queue:      queue,
		dispatcher: dispatcher,
		sync:       syncer,
		realtime:   realtime,
		notifier:   notifier,
		online:     online,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if syncer != nil {
		syncer.Register(CollectionMessages, r)
	}
	return r
}

// ============================================================================
// Send / Retry / Discard
// ============================================================================

// Send writes a Sending message with a temp id to the cache and queues its
// create. It returns the optimistic message.
func (r *MessageReconciler) Send(ctx context.Context, conversationID, text string) (*Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := r.now()
	msg := &Message{
		ID:             NewTempID(now),
		ClientID:       NewQueueID(),
		ConversationID: conversationID,
		SenderID:       r.opts.UserID,
		Text:           text,
		CreatedAt:      now,
		Status:         MessageSending,
		IsTemp:         true,
	}

	var err error
	if derr := r.dispatcher.Do(func() { err = r.writeAndQueue(msg, now) }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}

	r.log.Debug().Str("temp_id", msg.ID).Str("conversation_id", conversationID).Msg("message queued")
	r.events.emit(Event{Type: EventMessageLocal, QueueID: msg.ClientID, Collection: CollectionMessages, EntityID: msg.ID, Record: msg.Clone()})
	r.kick()
	return msg.Clone().(*Message), nil
}

// writeAndQueue stores msg and enqueues its create under msg.ClientID.
// Runs on the dispatcher.
func (r *MessageReconciler) writeAndQueue(msg *Message, now time.Time) error {
	if _, err := r.cache.Put(CollectionMessages, RecordOf(msg.Clone(), now)); err != nil {
		return err
	}
	if err := r.queue.enqueue(msg.ClientID, OpCreate, CollectionMessages, msg.ID, msg); err != nil {
		if derr := r.cache.Delete(CollectionMessages, msg.ID); derr != nil {
			r.log.Error().Err(derr).Str("temp_id", msg.ID).Msg("failed to roll back optimistic message")
		}
		return err
	}
	return nil
}

// Retry re-queues a Failed message. A send that timed out may have reached
// the server, so it replays under its original idempotency token; a send the
// server rejected gets a new one.
func (r *MessageReconciler) Retry(ctx context.Context, tempID string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		msg *Message
		err error
	)
	derr := r.dispatcher.Do(func() {
		msg, err = r.failedTemp(tempID)
		if err != nil {
			return
		}
		now := r.now()
		msg.Status = MessageSending
		msg.FailReason = ""
		if msg.ClientID == "" {
			msg.ClientID = NewQueueID()
		}
		err = r.writeAndQueue(msg, now)
	})
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	r.events.emit(Event{Type: EventMessageLocal, QueueID: msg.ClientID, Collection: CollectionMessages, EntityID: msg.ID, Record: msg.Clone()})
	r.kick()
	return msg, nil
}

// Discard removes a Failed message.
func (r *MessageReconciler) Discard(tempID string) error {
	var err error
	derr := r.dispatcher.Do(func() {
		if _, err = r.failedTemp(tempID); err != nil {
			return
		}
		err = r.cache.Delete(CollectionMessages, tempID)
	})
	if derr != nil {
		return derr
	}
	return err
}

func (r *MessageReconciler) failedTemp(tempID string) (*Message, error) {
	rec, ok := r.cache.Get(CollectionMessages, tempID)
	if !ok {
		return nil, fmt.Errorf("message %s: %w", tempID, ErrNotFound)
	}
	msg, ok := rec.Entity.(*Message)
	if !ok || !msg.IsTemp || msg.Status != MessageFailed {
		return nil, fmt.Errorf("message %s: %w", tempID, ErrNotFailed)
	}
	return msg, nil
}

func (r *MessageReconciler) kick() {
	if r.sync != nil && r.online() {
		r.sync.Kick()
	}
}

// ============================================================================
// Sync confirmations (Reconciler)
// ============================================================================

// Confirm implements Reconciler. If a push event already delivered the
// server record, the temp record is gone and the confirmation merges into
// the existing record instead.
func (r *MessageReconciler) Confirm(m *QueuedMutation, server Entity) ([]Event, error) {
	sm, ok := server.(*Message)
	if !ok {
		return nil, r.cache.Replace(m.Collection, m.EntityID, RecordOf(server.Clone(), serverStamp(server, time.Time{}, r.now())))
	}
	sm = sm.Clone().(*Message)
	if temp, ok := m.Entity.(*Message); ok {
		fillFromTemp(sm, temp)
	}
	if sm.ClientID == "" {
		sm.ClientID = m.QueueID
	}
	sm.Status = MessageSent
	sm.IsTemp = false
	sm.FailReason = ""

	rec := RecordOf(sm, serverStamp(sm, time.Time{}, r.now()))
	if _, ok := r.cache.Get(CollectionMessages, m.EntityID); ok {
		if err := r.cache.Replace(CollectionMessages, m.EntityID, rec); err != nil {
			return nil, err
		}
	} else if _, err := r.cache.Put(CollectionMessages, rec); err != nil {
		return nil, err
	}
	return []Event{{
		Type:       EventMessageConfirmed,
		QueueID:    m.QueueID,
		Collection: CollectionMessages,
		EntityID:   m.EntityID,
		ServerID:   sm.ID,
		Record:     sm.Clone(),
	}}, nil
}

// Fail implements Reconciler: the message stays visible as Failed. The
// server refused the token, so it is released.
func (r *MessageReconciler) Fail(m *QueuedMutation, kind ErrorKind, reason string) ([]Event, error) {
	msg, ok := r.markFailed(m.EntityID, reason)
	if !ok {
		return nil, nil
	}
	msg.ClientID = ""
	if err := r.putMessage(msg); err != nil {
		return nil, err
	}
	return []Event{{
		Type:       EventMessageFailed,
		QueueID:    m.QueueID,
		Collection: CollectionMessages,
		EntityID:   m.EntityID,
		Kind:       kind,
		Error:      reason,
		Record:     msg.Clone(),
	}}, nil
}

func (r *MessageReconciler) markFailed(tempID, reason string) (*Message, bool) {
	rec, ok := r.cache.Get(CollectionMessages, tempID)
	if !ok {
		return nil, false
	}
	msg, ok := rec.Entity.(*Message)
	if !ok || !msg.IsTemp || msg.Status != MessageSending {
		return nil, false
	}
	msg.Status = MessageFailed
	msg.FailReason = reason
	return msg, true
}

func (r *MessageReconciler) putMessage(msg *Message) error {
	_, err := r.cache.Put(CollectionMessages, RecordOf(msg, r.now()))
	return err
}

// serverStamp picks the UpdatedAt for a server record: the push time when
// known, else the server creation time, else now.
func serverStamp(e Entity, pushedAt, now time.Time) time.Time {
	if !pushedAt.IsZero() {
		return pushedAt
	}
	if t := entityCreatedAt(e); !t.IsZero() {
		return t
	}
	return now
}

func fillFromTemp(sm, temp *Message) {
	if sm.ConversationID == "" {
		sm.ConversationID = temp.ConversationID
	}
	if sm.SenderID == "" {
		sm.SenderID = temp.SenderID
	}
	if sm.Text == "" {
		sm.Text = temp.Text
	}
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = temp.CreatedAt
	}
	if sm.ClientID == "" {
		sm.ClientID = temp.ClientID
	}
}

// ============================================================================
// Push events
// ============================================================================

// HandlePush merges a push event into the cache. Inserts first look for a
// temp message to replace: by echoed client id, then by sender, text and
// conversation within MatchTolerance.
func (r *MessageReconciler) HandlePush(ev PushEvent) {
	if ev.Collection != CollectionMessages {
		return
	}

	var (
		notify  *Message
		emitted []Event
		err     error
	)
	derr := r.dispatcher.Do(func() {
		if ev.Type == PushDelete {
			err = r.cache.Delete(CollectionMessages, ev.ID)
			return
		}
		sm, ok := ev.Record.(*Message)
		if !ok || sm.ID == "" {
			return
		}
		notify, emitted, err = r.mergeServerMessage(sm.Clone().(*Message), ev)
	})
	if derr != nil {
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("message_id", ev.ID).Msg("failed to apply push event")
		return
	}

	for _, e := range emitted {
		r.events.emit(e)
	}
	if notify != nil {
		r.notifier.Schedule("New message", notify.Text, map[string]string{
			"conversation_id": notify.ConversationID,
			"message_id":      notify.ID,
			"sender_id":       notify.SenderID,
		})
	}
}

// mergeServerMessage runs on the dispatcher.
func (r *MessageReconciler) mergeServerMessage(sm *Message, ev PushEvent) (*Message, []Event, error) {
	sm.Status = MessageSent
	sm.IsTemp = false
	sm.FailReason = ""
	at := serverStamp(sm, ev.At, r.now())
	rec := RecordOf(sm, at)

	if _, exists := r.cache.Get(CollectionMessages, sm.ID); exists {
		_, err := r.cache.Put(CollectionMessages, rec)
		return nil, nil, err
	}

	temp, byClientID, found := r.matchTemp(sm)
	if !found {
		if _, err := r.cache.Put(CollectionMessages, rec); err != nil {
			return nil, nil, err
		}
		received := []Event{{Type: EventMessageReceived, Collection: CollectionMessages, EntityID: sm.ID, ResourceKey: ev.ResourceKey, Record: sm.Clone()}}
		if ev.Type == PushInsert && sm.SenderID != r.opts.UserID {
			return sm, received, nil
		}
		return nil, received, nil
	}

	fillFromTemp(sm, temp)
	if err := r.cache.Replace(CollectionMessages, temp.ID, RecordOf(sm, at)); err != nil {
		return nil, nil, err
	}
	if byClientID && temp.ClientID != "" {
		// The server has the message; a send that has not started is moot.
		if err := r.queue.Cancel(temp.ClientID); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInFlight) {
			return nil, nil, err
		}
	}
	if _, err := r.queue.RewriteReferences(temp.ID, sm.ID); err != nil {
		return nil, nil, err
	}
	if _, err := r.cache.RewriteReferences(temp.ID, sm.ID); err != nil {
		return nil, nil, err
	}
	r.log.Debug().Str("temp_id", temp.ID).Str("server_id", sm.ID).Bool("by_client_id", byClientID).Msg("push event replaced temp message")
	return nil, []Event{{
		Type:        EventMessageConfirmed,
		QueueID:     temp.ClientID,
		Collection:  CollectionMessages,
		EntityID:    temp.ID,
		ServerID:    sm.ID,
		ResourceKey: ev.ResourceKey,
		Record:      sm.Clone(),
	}}, nil
}

// matchTemp finds the temp message sm confirms.
func (r *MessageReconciler) matchTemp(sm *Message) (*Message, bool, bool) {
	if sm.ClientID != "" {
		rec, ok := r.cache.Find(CollectionMessages, func(rec CachedRecord) bool {
			m, ok := rec.Entity.(*Message)
			return ok && m.IsTemp && m.ClientID == sm.ClientID
		})
		if ok {
			return rec.Entity.(*Message), true, true
		}
	}
	rec, ok := r.cache.Find(CollectionMessages, func(rec CachedRecord) bool {
		m, ok := rec.Entity.(*Message)
		if !ok || !m.IsTemp {
			return false
		}
		if m.SenderID != sm.SenderID || m.Text != sm.Text || m.ConversationID != sm.ConversationID {
			return false
		}
		d := sm.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		return d <= r.opts.MatchTolerance
	})
	if ok {
		return rec.Entity.(*Message), false, true
	}
	return nil, false, false
}

// ============================================================================
// Read side
// ============================================================================

// Messages returns up to limit messages of a conversation created before
// before (zero means newest), newest first. The page grows past limit only
// to finish a run of messages sharing the cursor timestamp.
func (r *MessageReconciler) Messages(conversationID string, before time.Time, limit int) Page {
	if limit <= 0 {
		limit = 50
	}
	var all []*Message
	for _, rec := range r.cache.GetAll(CollectionMessages) {
		m, ok := rec.Entity.(*Message)
		if !ok || m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		all = append(all, m)
	}
	// GetAll is in insertion order; a stable sort keeps it for equal times.
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	// A page never ends inside a run of equal timestamps, so the strict
	// cursor on the next page cannot skip the rest of the run.
	n := limit
	for n < len(all) && all[n].CreatedAt.Equal(all[n-1].CreatedAt) {
		n++
	}
	page := Page{HasMore: len(all) > n}
	if len(all) > n {
		all = all[:n]
	}
	page.Messages = all
	if len(all) > 0 {
		page.Cursor = all[len(all)-1].CreatedAt
	}
	return page
}

// Watch subscribes to live messages of a conversation.
func (r *MessageReconciler) Watch(conversationID string) func() {
	return r.realtime.Subscribe(ConversationKey(conversationID), r.HandlePush)
}

// ============================================================================
// Send timeout
// ============================================================================

// Start runs the send-timeout sweep when SendTimeout is set.
func (r *MessageReconciler) Start(ctx context.Context) {
	if r.opts.SendTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.online() {
					r.SweepTimeouts()
				}
			}
		}
	}()
}

// Stop ends the sweep.
func (r *MessageReconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// SweepTimeouts marks Sending messages older than SendTimeout as Failed
// and drops their queued create. Messages whose send is in flight are left
// alone; the response decides them. It returns how many were failed.
func (r *MessageReconciler) SweepTimeouts() int {
	if r.opts.SendTimeout <= 0 {
		return 0
	}
	var (
		failed []Event
		err    error
	)
	derr := r.dispatcher.Do(func() {
		cutoff := r.now().Add(-r.opts.SendTimeout)
		for _, rec := range r.cache.GetAll(CollectionMessages) {
			m, ok := rec.Entity.(*Message)
			if !ok || !m.IsTemp || m.Status != MessageSending || m.CreatedAt.After(cutoff) {
				continue
			}
			if q, ok := r.queue.Get(m.ClientID); ok {
				if q.Status == StatusInFlight {
					continue
				}
				if err = r.queue.Cancel(m.ClientID); err != nil {
					return
				}
			}
			m.Status = MessageFailed
			m.FailReason = "send timed out"
			if err = r.putMessage(m); err != nil {
				return
			}
			failed = append(failed, Event{
				Type:       EventMessageFailed,
				QueueID:    m.ClientID,
				Collection: CollectionMessages,
				EntityID:   m.ID,
				Kind:       KindNetwork,
				Error:      m.FailReason,
				Record:     m.Clone(),
			})
		}
	})
	if derr != nil {
		return 0
	}
	if err != nil {
		r.log.Error().Err(err).Msg("send timeout sweep failed")
	}
	for _, ev := range failed {
		r.events.emit(ev)
	}
	return len(failed)
}
