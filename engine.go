// Package tabsplit is the offline-first sync SDK for the tabsplit shared
// expense and messaging service.
//
// Writes go to a local cache first and are queued durably; a sync engine
// replays them against the remote service once online, swapping temp ids
// for server ids. A realtime manager merges push events into the same cache
// without duplicating optimistic records.
//
// Usage:
//
//	client := tabsplit.NewClient(token, tabsplit.WithBaseURL(url))
//	eng, _ := tabsplit.New(tabsplit.Options{
//		Remote: client,
//		Push:   client.WS(nil),
//		Store:  tabsplit.NewMemoryBlobStore(),
//		UserID: "u-1",
//	})
//	defer eng.Close()
//	eng.Start(ctx)
//
//	msg, _ := eng.Messages.Send(ctx, "c-1", "dinner was 42")
//	stop := eng.Messages.Watch("c-1")
//	defer stop()
package tabsplit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options configures an Engine.
type Options struct {
	Remote RemoteService
	// Push opens realtime channels. Optional; without it Watch is a no-op
	// subscription that never delivers.
	Push     PushSource
	Store    BlobStore
	UserID   string
	Notifier Notifier
	Logger   *zerolog.Logger
	// Registerer receives the engine's metrics. nil disables metrics.
	Registerer prometheus.Registerer
	// StartOffline starts the monitor in the offline state.
	StartOffline bool

	Sync       SyncOptions
	Realtime   RealtimeConfig
	Reconciler ReconcilerOptions
}

func (o *Options) defaults() {
	if o.Notifier == nil {
		o.Notifier = NopNotifier{}
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Push == nil {
		o.Push = nopPushSource{}
	}
	o.Sync.defaults()
	o.Realtime.defaults()
	o.Reconciler.UserID = o.UserID
	o.Reconciler.defaults()
}

// Engine is the explicitly constructed context object wiring the cache,
// queue, sync engine, realtime manager and message reconciler.
type Engine struct {
	Cache    *Cache
	Queue    *Queue
	Sync     *SyncEngine
	Realtime *RealtimeManager
	Messages *MessageReconciler
	Monitor  *Monitor

	log        zerolog.Logger
	dispatcher *Dispatcher
	events     *emitter
	metrics    *Metrics
	now        func() time.Time

	mu        sync.Mutex
	runCtx    context.Context
	stopRun   context.CancelFunc
	disposers []func()
	started   bool
	closed    bool
}

// New builds an engine and restores the cache and queue from storage.
func New(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("tabsplit: Options.Remote is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("tabsplit: Options.Store is required")
	}
	opts.defaults()
	log := *opts.Logger

	var metrics *Metrics
	if opts.Registerer != nil {
		m, err := NewMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	events := newEmitter(componentLogger(log, "events"))
	dispatcher := NewDispatcher(componentLogger(log, "dispatcher"))

	cache := NewCache(opts.Store, componentLogger(log, "cache"))
	if err := cache.Load(); err != nil {
		dispatcher.Close()
		return nil, err
	}
	queue := NewQueue(opts.Store, componentLogger(log, "queue"), metrics)
	if err := queue.Load(); err != nil {
		dispatcher.Close()
		return nil, err
	}

	monitor := NewMonitor(!opts.StartOffline, componentLogger(log, "connectivity"))
	monitor.events = events

	syncer := NewSyncEngine(queue, cache, opts.Remote, dispatcher, monitor.IsOnline, opts.Sync, componentLogger(log, "sync"))
	syncer.events = events
	syncer.metrics = metrics

	realtime := NewRealtimeManager(opts.Push, monitor.IsOnline, opts.Realtime, componentLogger(log, "realtime"))
	realtime.events = events
	realtime.metrics = metrics

	messages := NewMessageReconciler(cache, queue, dispatcher, syncer, realtime, opts.Notifier, monitor.IsOnline, opts.Reconciler, componentLogger(log, "messages"))
	messages.events = events

	runCtx, stopRun := context.WithCancel(context.Background())
	e := &Engine{
		Cache:      cache,
		Queue:      queue,
		Sync:       syncer,
		Realtime:   realtime,
		Messages:   messages,
		Monitor:    monitor,
		log:        log,
		dispatcher: dispatcher,
		events:     events,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		runCtx:     runCtx,
		stopRun:    stopRun,
	}

	// Registration order is execution order: channels come back before
	// the queue drains.
	e.disposers = append(e.disposers,
		monitor.OnTransition(func(from, to bool) {
			if !from && to {
				realtime.Resubscribe()
			}
		}),
		monitor.OnTransition(func(from, to bool) {
			if !from && to {
				syncer.handleOnline(e.context())
			}
		}),
	)

	log.Info().Int("queued", queue.Len()).Bool("online", monitor.IsOnline()).Msg("engine ready")
	return e, nil
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// Start launches the background drain loop and the send-timeout sweep.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.closed || e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stopRun()
	e.runCtx, e.stopRun = context.WithCancel(ctx)
	runCtx := e.runCtx
	e.mu.Unlock()

	e.Sync.Start(runCtx)
	e.Messages.Start(runCtx)
}

// Close stops background work, closes every push channel and the
// dispatcher. Queued mutations stay in storage.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopRun()
	disposers := e.disposers
	e.disposers = nil
	e.mu.Unlock()

	for _, d := range disposers {
		d()
	}
	e.Sync.Stop()
	e.Messages.Stop()
	err := e.Realtime.Close()
	e.dispatcher.Close()
	return err
}

// SetOnline reports connectivity. Going online resubscribes channels and
// then drains the queue before SetOnline returns.
func (e *Engine) SetOnline(online bool) {
	e.Monitor.Set(online)
}

// On registers an event handler and returns its disposer.
func (e *Engine) On(t EventType, handler EventHandler) func() {
	return e.events.On(t, handler)
}

// OnAny registers a handler for every event and returns its disposer.
func (e *Engine) OnAny(handler EventHandler) func() {
	return e.events.OnAny(handler)
}

// ============================================================================
// Generic optimistic writes
// ============================================================================

// Create stores entity optimistically and queues its create. An empty id is
// replaced with a temp id. Messages should go through Messages.Send.
func (e *Engine) Create(ctx context.Context, entity Entity) (Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ent := entity.Clone()
	if ent.EntityID() == "" {
		ent.SetEntityID(NewTempID(e.now()))
	}
	return ent, e.write(OpCreate, ent.Kind(), ent.EntityID(), ent)
}

// Update stores entity optimistically and queues its update. The id may be
// a temp id whose create is still queued; it is rewritten on confirmation.
func (e *Engine) Update(ctx context.Context, entity Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entity.EntityID() == "" {
		return fmt.Errorf("update %s: entity id is empty", entity.Kind())
	}
	ent := entity.Clone()
	return e.write(OpUpdate, ent.Kind(), ent.EntityID(), ent)
}

// Delete removes the record locally and queues its delete. Deleting an
// entity whose create has not been sent yet just drops the queued writes.
func (e *Engine) Delete(ctx context.Context, col Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if IsTempID(id) {
		var (
			dropped bool
			err     error
		)
		derr := e.dispatcher.Do(func() { dropped, err = e.dropUnsent(col, id) })
		if derr != nil {
			return derr
		}
		if err != nil || dropped {
			return err
		}
	}
	return e.write(OpDelete, col, id, nil)
}

// dropUnsent cancels every queued write of a temp entity whose create is
// still pending and removes it from the cache, then drops what was queued
// against it. Runs on the dispatcher.
func (e *Engine) dropUnsent(col Collection, id string) (bool, error) {
	var ids []string
	for _, m := range e.Queue.List() {
		if m.Collection != col || m.EntityID != id {
			continue
		}
		if m.Op == OpCreate && m.Status == StatusInFlight {
			return false, nil
		}
		ids = append(ids, m.QueueID)
	}
	if len(ids) == 0 {
		return false, nil
	}
	for _, qid := range ids {
		if err := e.Queue.Cancel(qid); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	if err := e.Cache.Delete(col, id); err != nil {
		return false, err
	}
	return true, e.dropDependents(id)
}

// dropDependents cancels queued writes whose body references the dropped
// temp id; they could only fail on the dangling reference. Unsent dependent
// creates are dropped the same way as their parent.
func (e *Engine) dropDependents(id string) error {
	for _, m := range e.Queue.List() {
		if m.Entity == nil || m.Status == StatusInFlight || !referencesID(m.Entity, id) {
			continue
		}
		if m.Op == OpCreate && IsTempID(m.EntityID) {
			if _, err := e.dropUnsent(m.Collection, m.EntityID); err != nil {
				return err
			}
			continue
		}
		e.log.Warn().Str("queue_id", m.QueueID).Str("entity_id", m.EntityID).Str("dropped_id", id).Msg("cancelled write referencing a dropped entity")
		if err := e.Queue.Cancel(m.QueueID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (e *Engine) write(op Operation, col Collection, id string, ent Entity) error {
	var err error
	derr := e.dispatcher.Do(func() {
		switch op {
		case OpDelete:
			err = e.Cache.Delete(col, id)
		default:
			_, err = e.Cache.Put(col, RecordOf(ent.Clone(), e.now()))
		}
		if err != nil {
			return
		}
		_, err = e.Queue.Enqueue(op, col, id, ent)
	})
	if derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	if e.Monitor.IsOnline() {
		e.Sync.Kick()
	}
	return nil
}

// Get returns the cached entity (col, id).
func (e *Engine) Get(col Collection, id string) (Entity, bool) {
	rec, ok := e.Cache.Get(col, id)
	if !ok {
		return nil, false
	}
	return rec.Entity, true
}

// ============================================================================
// Push routing
// ============================================================================

// Subscribe listens to a resource key and merges every event into the
// cache: messages through the reconciler, other collections last-write-wins.
func (e *Engine) Subscribe(resourceKey string) func() {
	return e.Realtime.Subscribe(resourceKey, e.ApplyPush)
}

// ApplyPush merges one push event into the cache.
func (e *Engine) ApplyPush(ev PushEvent) {
	if ev.Collection == CollectionMessages {
		e.Messages.HandlePush(ev)
		return
	}
	var err error
	derr := e.dispatcher.Do(func() {
		switch ev.Type {
		case PushDelete:
			err = e.Cache.Delete(ev.Collection, ev.ID)
		case PushInsert, PushUpdate:
			if ev.Record == nil {
				return
			}
			_, err = e.Cache.Put(ev.Collection, RecordOf(ev.Record.Clone(), serverStamp(ev.Record, ev.At, e.now())))
		}
	})
	if derr == nil && err != nil {
		e.log.Error().Err(err).Str("collection", string(ev.Collection)).Str("id", ev.ID).Msg("failed to apply push event")
	}
}

// nopPushSource opens channels that never deliver.
type nopPushSource struct{}

func (nopPushSource) OpenChannel(ctx context.Context, _ string, _ PushHandler) (PushChannel, error) {
	_, cancel := context.WithCancel(ctx)
	return &nopChannel{channelState: newChannelState(cancel)}, nil
}

type nopChannel struct{ *channelState }

func (c *nopChannel) Close() error {
	c.finish(nil)
	return nil
}
