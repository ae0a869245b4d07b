package tabsplit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncOptions configures draining.
type SyncOptions struct {
	// MaxAttempts is how many transient failures a mutation may see before
	// the queue stalls.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RequestTimeout bounds every remote call. A timeout is transient.
	RequestTimeout time.Duration
	// FlushInterval is how often the background loop drains without a kick.
	FlushInterval time.Duration
}

func (o *SyncOptions) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
}

// Reconciler applies the local side of a create's outcome for one
// collection. Both methods run on the dispatcher goroutine and must not call
// Dispatcher.Do. Returned events are emitted after the job completes.
type Reconciler interface {
	// Confirm replaces the optimistic record stored under m.EntityID with
	// the server record.
	Confirm(m *QueuedMutation, server Entity) ([]Event, error)
	// Fail handles a permanent failure of m.
	Fail(m *QueuedMutation, kind ErrorKind, reason string) ([]Event, error)
}

// replaceReconciler swaps the temp record for the server record and keeps
// the optimistic record on failure.
type replaceReconciler struct {
	cache *Cache
	now   func() time.Time
}

func (r *replaceReconciler) Confirm(m *QueuedMutation, server Entity) ([]Event, error) {
	if _, ok := r.cache.Get(m.Collection, m.EntityID); !ok {
		// Deleted locally while the create was in flight; the queued
		// delete follows under the server id.
		return nil, nil
	}
	return nil, r.cache.Replace(m.Collection, m.EntityID, RecordOf(server.Clone(), serverStamp(server, time.Time{}, r.now())))
}

func (r *replaceReconciler) Fail(*QueuedMutation, ErrorKind, string) ([]Event, error) {
	return nil, nil
}

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine drains the mutation queue against the remote service, one
// mutation at a time in FIFO order.
type SyncEngine struct {
	log        zerolog.Logger
	opts       SyncOptions
	queue      *Queue
	cache      *Cache
	remote     RemoteService
	dispatcher *Dispatcher
	online     func() bool
	events     *emitter
	metrics    *Metrics
	now        func() time.Time
	jitter     func(base time.Duration) time.Duration

	regMu       sync.RWMutex
	reconcilers map[Collection]Reconciler
	fallback    Reconciler

	mu       sync.Mutex
	draining bool
	rerun    bool
	stalled  bool
	paused   bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncEngine wires a sync engine. online reports current connectivity.
func NewSyncEngine(queue *Queue, cache *Cache, remote RemoteService, dispatcher *Dispatcher, online func() bool, opts SyncOptions, log zerolog.Logger) *SyncEngine {
	opts.defaults()
	now := func() time.Time { return time.Now().UTC() }
	return &SyncEngine{
		log:         log,
		opts:        opts,
		queue:       queue,
		cache:       cache,
		remote:      remote,
		dispatcher:  dispatcher,
		online:      online,
		now:         now,
		jitter:      func(base time.Duration) time.Duration { return time.Duration(rand.Float64() * float64(base) * 0.5) },
		reconcilers: make(map[Collection]Reconciler),
		fallback:    &replaceReconciler{cache: cache, now: now},
		kick:        make(chan struct{}, 1),
	}
}

// Register installs the reconciler used for creates in col.
func (s *SyncEngine) Register(col Collection, r Reconciler) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.reconcilers[col] = r
}

func (s *SyncEngine) reconcilerFor(col Collection) Reconciler {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	if r, ok := s.reconcilers[col]; ok {
		return r
	}
	return s.fallback
}

// Stalled reports whether the head of the queue exhausted its attempts.
func (s *SyncEngine) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Paused reports whether draining is paused by an auth failure.
func (s *SyncEngine) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Kick asks the background loop to drain soon. It never blocks.
func (s *SyncEngine) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Retry clears a stall, resets attempt counters and drains.
func (s *SyncEngine) Retry(ctx context.Context) error {
	var err error
	if derr := s.dispatcher.Do(func() { _, err = s.queue.ResetAttempts() }); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stalled = false
	s.mu.Unlock()
	s.Drain(ctx)
	return nil
}

// ResumeAuth lifts an auth pause, typically after the token was refreshed,
// and drains.
func (s *SyncEngine) ResumeAuth(ctx context.Context) {
	s.mu.Lock()
	was := s.paused
	s.paused = false
	s.mu.Unlock()
	if was {
		s.log.Info().Msg("sync resumed after re-authentication")
		s.events.emit(Event{Type: EventSyncResumed})
	}
	s.Drain(ctx)
}

// handleOnline is the connectivity hook: a transition clears a stall and
// drains unconditionally.
func (s *SyncEngine) handleOnline(ctx context.Context) {
	if s.Stalled() {
		if err := s.Retry(ctx); err != nil {
			s.log.Error().Err(err).Msg("failed to reset stalled queue")
		}
		return
	}
	s.Drain(ctx)
}

// Drain sends queued mutations until the queue is empty, the client goes
// offline, draining is paused or stalled, or the head is waiting out its
// backoff. Concurrent calls coalesce into the running drain.
func (s *SyncEngine) Drain(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	start := time.Now()
	defer func() { s.metrics.observeDrain(time.Since(start).Seconds()) }()

	for {
		s.drainOnce(ctx)

		s.mu.Lock()
		if !s.rerun || ctx.Err() != nil {
			s.draining = false
			s.rerun = false
			s.mu.Unlock()
			return
		}
		s.rerun = false
		s.mu.Unlock()
	}
}

func (s *SyncEngine) drainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil || !s.online() || s.Paused() {
			return
		}
		m, ok := s.queue.PeekNext()
		if !ok {
			s.setStalled(false)
			return
		}
		if m.Status == StatusFailed {
			s.setStalled(true)
			return
		}
		if m.NextAttemptAt.After(s.now()) {
			return
		}
		if !s.send(ctx, m) {
			return
		}
	}
}

func (s *SyncEngine) setStalled(v bool) {
	s.mu.Lock()
	s.stalled = v
	s.mu.Unlock()
}

// send performs one attempt of m and reports whether draining may continue.
func (s *SyncEngine) send(ctx context.Context, m *QueuedMutation) bool {
	var err error
	derr := s.dispatcher.Do(func() {
		if err = s.queue.MarkInFlight(m.QueueID); err != nil {
			return
		}
		// Re-read: references may have been rewritten since the peek.
		if fresh, ok := s.queue.Get(m.QueueID); ok {
			m = fresh
		}
	})
	if derr != nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		// Cancelled between peek and send.
		return true
	}
	if err != nil {
		s.log.Error().Err(err).Str("queue_id", m.QueueID).Msg("failed to mark mutation in flight")
		return false
	}
	log := s.log.With().Str("queue_id", m.QueueID).Str("op", string(m.Op)).Str("collection", string(m.Collection)).Str("entity_id", m.EntityID).Logger()
	s.events.emit(Event{Type: EventMutationSending, QueueID: m.QueueID, Op: m.Op, Collection: m.Collection, EntityID: m.EntityID, Attempts: m.Attempts})

	rctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	result, err := s.call(rctx, m)
	cancel()

	if err == nil {
		return s.succeed(m, result, log)
	}

	if ctx.Err() != nil {
		// Shutting down; the attempt does not count.
		s.requeue(m, m.Attempts, time.Time{}, err.Error(), log)
		return false
	}

	kind := ClassifyError(err)
	switch {
	case kind == KindAuth:
		s.requeue(m, m.Attempts, time.Time{}, err.Error(), log)
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
		log.Warn().Err(err).Msg("auth rejected; sync paused")
		s.metrics.mutationResult(m.Collection, "auth")
		s.events.emit(Event{Type: EventSyncPaused, QueueID: m.QueueID, Collection: m.Collection, EntityID: m.EntityID, Kind: kind, Error: err.Error()})
		return false

	case kind.Permanent():
		s.fail(m, kind, err, log)
		return true

	default:
		attempts := m.Attempts + 1
		s.metrics.mutationResult(m.Collection, "retry")
		if attempts >= s.opts.MaxAttempts {
			var merr error
			derr := s.dispatcher.Do(func() {
				if merr = s.queue.Requeue(m.QueueID, attempts, time.Time{}, err.Error()); merr != nil {
					return
				}
				merr = s.queue.MarkFailed(m.QueueID, false, err.Error())
			})
			if derr == nil && merr != nil && !errors.Is(merr, ErrNotFound) {
				log.Error().Err(merr).Msg("failed to record stalled mutation")
			}
			s.setStalled(true)
			log.Warn().Err(err).Int("attempts", attempts).Msg("queue stalled")
			s.events.emit(Event{Type: EventQueueStalled, QueueID: m.QueueID, Collection: m.Collection, EntityID: m.EntityID, Kind: kind, Error: err.Error(), Attempts: attempts})
			return false
		}
		next := s.now().Add(s.backoff(attempts))
		s.requeue(m, attempts, next, err.Error(), log)
		log.Debug().Err(err).Int("attempts", attempts).Time("next_attempt_at", next).Msg("transient failure; backing off")
		s.events.emit(Event{Type: EventMutationRetry, QueueID: m.QueueID, Collection: m.Collection, EntityID: m.EntityID, Kind: kind, Error: err.Error(), Attempts: attempts})
		return false
	}
}

type callResult struct {
	record Entity
}

func (s *SyncEngine) call(ctx context.Context, m *QueuedMutation) (callResult, error) {
	switch m.Op {
	case OpCreate:
		res, err := s.remote.Create(ctx, m.Collection, createPayload(m.Entity), m.QueueID)
		if err != nil {
			return callResult{}, err
		}
		rec := res.Record
		if rec == nil {
			rec = m.Entity
		}
		return callResult{record: rec}, nil
	case OpUpdate:
		rec, err := s.remote.Update(ctx, m.Collection, m.EntityID, m.Entity, m.QueueID)
		return callResult{record: rec}, err
	case OpDelete:
		return callResult{}, s.remote.Delete(ctx, m.Collection, m.EntityID, m.QueueID)
	}
	return callResult{}, NewRemoteError(KindValidation, "bad_op", "unknown operation "+string(m.Op))
}

func (s *SyncEngine) succeed(m *QueuedMutation, res callResult, log zerolog.Logger) bool {
	var (
		events []Event
		err    error
	)
	serverID := ""
	derr := s.dispatcher.Do(func() {
		switch m.Op {
		case OpCreate:
			serverID = res.record.EntityID()
			if events, err = s.reconcilerFor(m.Collection).Confirm(m, res.record); err != nil {
				return
			}
			if serverID != "" && serverID != m.EntityID {
				if _, err = s.queue.RewriteReferences(m.EntityID, serverID); err != nil {
					return
				}
				if _, err = s.cache.RewriteReferences(m.EntityID, serverID); err != nil {
					return
				}
			}
		case OpUpdate:
			if _, ok := s.cache.Get(m.Collection, m.EntityID); ok && res.record != nil {
				if _, err = s.cache.Put(m.Collection, RecordOf(res.record.Clone(), s.now())); err != nil {
					return
				}
			}
		}
		err = s.queue.MarkDone(m.QueueID)
	})
	if derr != nil {
		return false
	}
	if err != nil {
		// The mutation stays InFlight in memory and is replayed as Pending
		// after restart; the idempotency token makes the replay safe.
		log.Error().Err(err).Msg("failed to apply confirmation")
		s.requeue(m, m.Attempts, time.Time{}, err.Error(), log)
		return false
	}

	log.Debug().Str("server_id", serverID).Msg("mutation confirmed")
	s.metrics.mutationResult(m.Collection, "ok")
	s.events.emit(Event{Type: EventMutationConfirmed, QueueID: m.QueueID, Op: m.Op, Collection: m.Collection, EntityID: m.EntityID, ServerID: serverID, Record: res.record})
	for _, ev := range events {
		s.events.emit(ev)
	}
	return true
}

func (s *SyncEngine) fail(m *QueuedMutation, kind ErrorKind, cause error, log zerolog.Logger) {
	reason := cause.Error()
	var authoritative Entity
	var re *RemoteError
	if errors.As(cause, &re) {
		if re.Message != "" {
			reason = re.Message
		}
		authoritative = re.Record
	}

	var (
		events []Event
		err    error
	)
	derr := s.dispatcher.Do(func() {
		if err = s.queue.MarkFailed(m.QueueID, true, reason); err != nil {
			return
		}
		if kind == KindConflict {
			switch {
			case authoritative != nil:
				_, err = s.cache.Put(m.Collection, RecordOf(authoritative.Clone(), s.now()))
			case m.Op == OpUpdate || m.Op == OpDelete:
				err = s.cache.Delete(m.Collection, m.EntityID)
			}
			if err != nil {
				return
			}
		}
		if m.Op == OpCreate {
			events, err = s.reconcilerFor(m.Collection).Fail(m, kind, reason)
		}
	})
	if derr != nil {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to apply permanent failure")
	}

	log.Warn().Str("kind", string(kind)).Str("reason", reason).Msg("mutation failed permanently")
	s.metrics.mutationResult(m.Collection, string(kind))
	s.events.emit(Event{Type: EventMutationFailed, QueueID: m.QueueID, Op: m.Op, Collection: m.Collection, EntityID: m.EntityID, Kind: kind, Error: reason, Record: authoritative})
	for _, ev := range events {
		s.events.emit(ev)
	}
}

func (s *SyncEngine) requeue(m *QueuedMutation, attempts int, next time.Time, reason string, log zerolog.Logger) {
	var err error
	if derr := s.dispatcher.Do(func() { err = s.queue.Requeue(m.QueueID, attempts, next, reason) }); derr != nil {
		return
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).Msg("failed to requeue mutation")
	}
}

// backoff returns the delay before attempt number attempts+1:
// BackoffBase * 2^(attempts-1) plus jitter, capped at BackoffMax.
func (s *SyncEngine) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := s.opts.BackoffBase
	delay := math.Min(
		float64(base)*math.Pow(2, float64(attempts-1))+float64(s.jitter(base)),
		float64(s.opts.BackoffMax),
	)
	return time.Duration(delay)
}

// ============================================================================
// Background loop
// ============================================================================

// Start runs the background drain loop until ctx is done or Stop is called.
// It drains on Kick, every FlushInterval, and when the head's backoff ends.
func (s *SyncEngine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the background loop and waits for it.
func (s *SyncEngine) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *SyncEngine) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		s.Drain(ctx)

		if m, ok := s.queue.PeekNext(); ok && m.Status == StatusPending && !m.NextAttemptAt.IsZero() {
			wait := m.NextAttemptAt.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			retry.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		case <-retry.C:
		}
	}
}
