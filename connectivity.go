package tabsplit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Monitor
// ============================================================================

// TransitionFunc is called when connectivity changes from one state to the
// other. true means online.
type TransitionFunc func(from, to bool)

// ConnectivityProvider reports connectivity changes until ctx is done.
// Watch calls report for every observed state (repeats are fine) and
// returns ctx.Err() or a setup error.
type ConnectivityProvider interface {
	Watch(ctx context.Context, report func(online bool)) error
}

// Monitor tracks whether the client is online and runs transition hooks in
// registration order. Hooks for one transition finish before the next
// transition's hooks start.
type Monitor struct {
	log    zerolog.Logger
	events *emitter

	transition sync.Mutex

	mu     sync.RWMutex
	online bool
	nextID int
	hooks  []transitionHook
}

type transitionHook struct {
	id int
	fn TransitionFunc
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(online bool, log zerolog.Logger) *Monitor {
	return &Monitor{log: log, online: online}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnTransition registers fn and returns a disposer.
func (m *Monitor) OnTransition(fn TransitionFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.hooks = append(m.hooks, transitionHook{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, h := range m.hooks {
			if h.id == id {
				m.hooks = append(m.hooks[:i:i], m.hooks[i+1:]...)
				return
			}
		}
	}
}

// Set records the current state. A change runs every hook synchronously.
func (m *Monitor) Set(online bool) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	from := m.online
	if from == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	hooks := append([]transitionHook(nil), m.hooks...)
	m.mu.Unlock()

	m.log.Info().Bool("online", online).Msg("connectivity changed")
	if online {
		m.events.emit(Event{Type: EventNetworkOnline})
	} else {
		m.events.emit(Event{Type: EventNetworkOffline})
	}

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Msg("connectivity hook panicked")
				}
			}()
			h.fn(from, online)
		}()
	}
}

// Run follows provider until ctx is done.
func (m *Monitor) Run(ctx context.Context, provider ConnectivityProvider) error {
	return provider.Watch(ctx, m.Set)
}

// ============================================================================
// ManualConnectivity
// ============================================================================

// ManualConnectivity is a provider driven by explicit Set calls, for apps
// that receive connectivity from the platform.
type ManualConnectivity struct {
	updates chan bool
}

// NewManualConnectivity creates a manual provider.
func NewManualConnectivity() *ManualConnectivity {
	return &ManualConnectivity{updates: make(chan bool, 16)}
}

// Set reports a new state. It never blocks; if the buffer is full the
// oldest pending report is dropped.
func (p *ManualConnectivity) Set(online bool) {
	for {
		select {
		case p.updates <- online:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}

func (p *ManualConnectivity) Watch(ctx context.Context, report func(bool)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-p.updates:
			report(online)
		}
	}
}

// ============================================================================
// ProbeConnectivity
// ============================================================================

// ProbeConnectivity polls a health probe, for example Client.Probe.
type ProbeConnectivity struct {
	Probe    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

func (p *ProbeConnectivity) Watch(ctx context.Context, report func(bool)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := p.Probe(pctx)
		if ctx.Err() != nil {
			return
		}
		report(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}
