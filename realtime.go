package tabsplit

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures push transports and channel reconnects.
type RealtimeConfig struct {
	Token string
	// MaxReconnectAttempts bounds consecutive failed reconnects of one
	// channel. 0 retries until the channel is unsubscribed.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// HandshakeTimeout bounds dialing and the authentication handshake.
	HandshakeTimeout time.Duration
	// StaleAfter closes an SSE stream that delivered nothing, not even a
	// heartbeat comment, for this long.
	StaleAfter       time.Duration
	WatchdogInterval time.Duration
	HTTPClient       *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes channel reconnect delays. It is independent of the
// queue's retry backoff.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeManager
// ============================================================================

// RealtimeManager keeps one push channel per subscribed resource key and
// fans its events out to every listener of that key. A channel is opened
// on the first Subscribe and closed when the last listener unsubscribes.
type RealtimeManager struct {
	log     zerolog.Logger
	source  PushSource
	online  func() bool
	config  RealtimeConfig
	events  *emitter
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	key       string
	nextID    int
	listeners []listenerEntry

	channel      PushChannel
	generation   uint64
	connecting   bool
	reconnecting bool
	recon        *reconnector
	wake         chan struct{}
	stop         chan struct{}
}

type listenerEntry struct {
	id int
	fn PushHandler
}

// NewRealtimeManager creates a manager opening channels from source.
// online reports current connectivity; channels are not opened or
// reconnected while offline.
func NewRealtimeManager(source PushSource, online func() bool, config RealtimeConfig, log zerolog.Logger) *RealtimeManager {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RealtimeManager{
		log:    log,
		source: source,
		online: online,
		config: config,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe adds listener to resourceKey and returns its unsubscribe func.
// When online and no channel is open for the key yet, the channel is opened
// before Subscribe returns; a failed open is retried in the background.
func (m *RealtimeManager) Subscribe(resourceKey string, listener PushHandler) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	sub, ok := m.subs[resourceKey]
	if !ok {
		sub = &subscription{
			key:   resourceKey,
			recon: newReconnector(&m.config),
			wake:  make(chan struct{}, 1),
			stop:  make(chan struct{}),
		}
		m.subs[resourceKey] = sub
	}
	sub.nextID++
	id := sub.nextID
	sub.listeners = append(sub.listeners, listenerEntry{id: id, fn: listener})
	needOpen := sub.channel == nil && !sub.connecting && !sub.reconnecting
	m.mu.Unlock()

	if needOpen && m.online() {
		if err := m.open(sub); err != nil {
			m.scheduleReconnect(sub)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { m.unsubscribe(sub, id) }) }
}

func (m *RealtimeManager) unsubscribe(sub *subscription, id int) {
	m.mu.Lock()
	for i, l := range sub.listeners {
		if l.id == id {
			sub.listeners = append(sub.listeners[:i:i], sub.listeners[i+1:]...)
			break
		}
	}
	if len(sub.listeners) > 0 || m.subs[sub.key] != sub {
		m.mu.Unlock()
		return
	}
	delete(m.subs, sub.key)
	ch := sub.channel
	sub.channel = nil
	sub.generation++
	close(sub.stop)
	open := m.openCountLocked()
	m.mu.Unlock()

	m.metrics.setOpenChannels(open)
	if ch != nil {
		if err := ch.Close(); err != nil {
			m.log.Debug().Err(err).Str("resource", sub.key).Msg("channel close")
		}
		m.log.Debug().Str("resource", sub.key).Msg("channel closed after last unsubscribe")
		m.events.emit(Event{Type: EventChannelClosed, ResourceKey: sub.key})
	}
}

// open opens the channel for sub unless one is open or being opened.
func (m *RealtimeManager) open(sub *subscription) error {
	m.mu.Lock()
	if m.closed || m.subs[sub.key] != sub || sub.channel != nil || sub.connecting {
		m.mu.Unlock()
		return nil
	}
	sub.connecting = true
	gen := sub.generation + 1
	m.mu.Unlock()

	ch, err := m.source.OpenChannel(m.ctx, sub.key, m.deliver(sub))

	m.mu.Lock()
	sub.connecting = false
	if err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("resource", sub.key).Msg("failed to open push channel")
		return err
	}
	if m.closed || m.subs[sub.key] != sub {
		m.mu.Unlock()
		ch.Close()
		return nil
	}
	sub.channel = ch
	sub.generation = gen
	sub.recon.markConnected()
	open := m.openCountLocked()
	m.mu.Unlock()

	m.metrics.setOpenChannels(open)
	m.log.Debug().Str("resource", sub.key).Uint64("generation", gen).Msg("push channel open")
	m.events.emit(Event{Type: EventChannelOpen, ResourceKey: sub.key})

	m.wg.Add(1)
	go m.watch(sub, ch, gen)
	return nil
}

func (m *RealtimeManager) deliver(sub *subscription) PushHandler {
	return func(ev PushEvent) {
		if ev.ResourceKey == "" {
			ev.ResourceKey = sub.key
		}
		m.metrics.pushEvent(ev.Type)

		m.mu.Lock()
		listeners := append([]listenerEntry(nil), sub.listeners...)
		m.mu.Unlock()

		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error().Interface("panic", r).Str("resource", sub.key).Msg("push listener panicked")
					}
				}()
				l.fn(ev)
			}()
		}
	}
}

// watch waits for a channel to drop and schedules its reconnect.
func (m *RealtimeManager) watch(sub *subscription, ch PushChannel, gen uint64) {
	defer m.wg.Done()

	select {
	case <-ch.Done():
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	if sub.generation != gen || sub.channel != ch {
		m.mu.Unlock()
		return
	}
	sub.channel = nil
	open := m.openCountLocked()
	m.mu.Unlock()

	m.metrics.setOpenChannels(open)
	err := ch.Err()
	m.log.Info().Err(err).Str("resource", sub.key).Msg("push channel dropped")
	ev := Event{Type: EventChannelClosed, ResourceKey: sub.key}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.emit(ev)

	m.scheduleReconnect(sub)
}

// scheduleReconnect starts the reconnect loop for sub unless one is running.
func (m *RealtimeManager) scheduleReconnect(sub *subscription) {
	m.mu.Lock()
	if m.closed || m.subs[sub.key] != sub || sub.reconnecting {
		m.mu.Unlock()
		return
	}
	sub.reconnecting = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop(sub)
}

func (m *RealtimeManager) reconnectLoop(sub *subscription) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		sub.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		if !m.online() {
			// Resubscribe reopens the channel on the next online transition.
			return
		}

		m.mu.Lock()
		if sub.channel != nil || m.subs[sub.key] != sub {
			m.mu.Unlock()
			return
		}
		if !sub.recon.shouldReconnect() {
			m.mu.Unlock()
			m.log.Warn().Str("resource", sub.key).Msg("giving up reconnecting push channel")
			return
		}
		delay := sub.recon.nextDelay()
		attempt := sub.recon.attempt
		m.mu.Unlock()

		m.events.emit(Event{Type: EventChannelReconnecting, ResourceKey: sub.key, Attempts: attempt})

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-sub.stop:
			timer.Stop()
			return
		case <-sub.wake:
			timer.Stop()
		case <-timer.C:
		}

		if !m.online() {
			return
		}
		if err := m.open(sub); err == nil {
			m.mu.Lock()
			done := sub.channel != nil || m.subs[sub.key] != sub
			m.mu.Unlock()
			if done {
				return
			}
		}
	}
}

// Resubscribe reopens the channel of every key that still has listeners
// and no open channel. It runs synchronously so that, on an offline to
// online transition, channels are back before queued mutations drain.
func (m *RealtimeManager) Resubscribe() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var pending []*subscription
	for _, sub := range m.subs {
		if sub.channel == nil && len(sub.listeners) > 0 {
			sub.recon.reset()
			pending = append(pending, sub)
		}
	}
	m.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].key < pending[j].key })
	for _, sub := range pending {
		if err := m.open(sub); err != nil {
			m.scheduleReconnect(sub)
			continue
		}
		// Cut short a reconnect loop that is waiting out its delay.
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// ActiveKeys returns the subscribed resource keys, sorted.
func (m *RealtimeManager) ActiveKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpenChannels returns how many push channels are currently open.
func (m *RealtimeManager) OpenChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCountLocked()
}

func (m *RealtimeManager) openCountLocked() int {
	n := 0
	for _, sub := range m.subs {
		if sub.channel != nil {
			n++
		}
	}
	return n
}

// Close closes every channel and stops reconnecting.
func (m *RealtimeManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var channels []PushChannel
	for _, sub := range m.subs {
		if sub.channel != nil {
			channels = append(channels, sub.channel)
			sub.channel = nil
		}
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	m.cancel()
	for _, ch := range channels {
		ch.Close()
	}
	m.wg.Wait()
	m.metrics.setOpenChannels(0)
	return nil
}
