package tabsplit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRealtime(t *testing.T, src PushSource, online *atomic.Bool, maxAttempts int) *RealtimeManager {
	t.Helper()
	m := NewRealtimeManager(src, online.Load, RealtimeConfig{
		MaxReconnectAttempts: maxAttempts,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { m.Close() })
	return m
}

func onlineFlag(v bool) *atomic.Bool {
	var b atomic.Bool
	b.Store(v)
	return &b
}

type received struct {
	mu     sync.Mutex
	events []PushEvent
}

func (r *received) handle(ev PushEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *received) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ============================================================================
// Subscribe / unsubscribe
// ============================================================================

func TestRealtimeSharesOneChannelPerKey(t *testing.T) {
	src := newFakePushSource()
	m := newTestRealtime(t, src, onlineFlag(true), 0)

	var a, b received
	stopA := m.Subscribe("conversation:c-1", a.handle)
	stopB := m.Subscribe("conversation:c-1", b.handle)
	assert.Equal(t, 1, src.Opens("conversation:c-1"))
	assert.Equal(t, 1, m.OpenChannels())
	assert.Equal(t, []string{"conversation:c-1"}, m.ActiveKeys())

	ch := src.Channel("conversation:c-1")
	ch.push(PushEvent{Type: PushInsert, Collection: CollectionMessages, ID: "m-1"})
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, "conversation:c-1", a.events[0].ResourceKey, "the resource key is filled in")

	stopA()
	stopA()
	assert.Equal(t, 1, m.OpenChannels(), "still one listener")
	assert.False(t, ch.closed())

	ch.push(PushEvent{Type: PushInsert, Collection: CollectionMessages, ID: "m-2"})
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())

	stopB()
	assert.Equal(t, 0, m.OpenChannels())
	assert.True(t, ch.closed())
	assert.Empty(t, m.ActiveKeys())
}

func TestRealtimeListenerPanicIsContained(t *testing.T) {
	src := newFakePushSource()
	m := newTestRealtime(t, src, onlineFlag(true), 0)

	var r received
	m.Subscribe("k", func(PushEvent) { panic("listener bug") })
	m.Subscribe("k", r.handle)

	src.Channel("k").push(PushEvent{Type: PushUpdate, Collection: CollectionExpenses, ID: "e-1"})
	assert.Equal(t, 1, r.Len())
}

// ============================================================================
// Connectivity
// ============================================================================

func TestRealtimeOfflineSubscribeWaitsForResubscribe(t *testing.T) {
	src := newFakePushSource()
	online := onlineFlag(false)
	m := newTestRealtime(t, src, online, 0)

	m.Subscribe("k", func(PushEvent) {})
	assert.Equal(t, 0, src.Opens("k"))
	assert.Equal(t, []string{"k"}, m.ActiveKeys())

	online.Store(true)
	m.Resubscribe()
	assert.Equal(t, 1, src.Opens("k"))
	assert.Equal(t, 1, m.OpenChannels())

	m.Resubscribe()
	assert.Equal(t, 1, src.Opens("k"), "open channels are left alone")
}

// ============================================================================
// Reconnect
// ============================================================================

func TestRealtimeReconnect(t *testing.T) {
	t.Run("after a dropped channel", func(t *testing.T) {
		src := newFakePushSource()
		m := newTestRealtime(t, src, onlineFlag(true), 0)

		var r received
		m.Subscribe("k", r.handle)
		first := src.Channel("k")
		first.drop(errors.New("connection reset"))

		require.Eventually(t, func() bool { return src.Opens("k") == 2 && m.OpenChannels() == 1 }, time.Second, time.Millisecond)

		second := src.Channel("k")
		require.NotSame(t, first, second)
		second.push(PushEvent{Type: PushInsert, Collection: CollectionMessages, ID: "m-1"})
		assert.Equal(t, 1, r.Len(), "listeners survive the reconnect")
	})

	t.Run("after a failed open", func(t *testing.T) {
		src := newFakePushSource()
		src.setFailOpen(errors.New("dial refused"))
		m := newTestRealtime(t, src, onlineFlag(true), 0)

		m.Subscribe("k", func(PushEvent) {})
		require.Eventually(t, func() bool { return src.Opens("k") >= 2 }, time.Second, time.Millisecond)

		src.setFailOpen(nil)
		require.Eventually(t, func() bool { return m.OpenChannels() == 1 }, time.Second, time.Millisecond)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		src := newFakePushSource()
		src.setFailOpen(errors.New("dial refused"))
		m := newTestRealtime(t, src, onlineFlag(true), 2)

		m.Subscribe("k", func(PushEvent) {})
		require.Eventually(t, func() bool { return src.Opens("k") == 3 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 3, src.Opens("k"))
	})

	t.Run("not while offline", func(t *testing.T) {
		src := newFakePushSource()
		online := onlineFlag(true)
		m := newTestRealtime(t, src, online, 0)

		m.Subscribe("k", func(PushEvent) {})
		online.Store(false)
		src.Channel("k").drop(errors.New("network down"))

		require.Eventually(t, func() bool { return m.OpenChannels() == 0 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, src.Opens("k"))
	})
}

func TestRealtimeClose(t *testing.T) {
	src := newFakePushSource()
	m := newTestRealtime(t, src, onlineFlag(true), 0)

	m.Subscribe("a", func(PushEvent) {})
	m.Subscribe("b", func(PushEvent) {})
	a, b := src.Channel("a"), src.Channel("b")

	require.NoError(t, m.Close())
	assert.True(t, a.closed())
	assert.True(t, b.closed())
	assert.Equal(t, 0, m.OpenChannels())

	m.Subscribe("c", func(PushEvent) {})
	assert.Equal(t, 0, src.Opens("c"))
	require.NoError(t, m.Close())
}

// ============================================================================
// Engine wiring
// ============================================================================

func TestOnlineTransitionResubscribesBeforeDraining(t *testing.T) {
	env := newTestEnv(t, false)

	var (
		mu    sync.Mutex
		order []string
	)
	note := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	env.push.onOpen = func(string) { note("open") }
	env.remote.hook = func(context.Context, remoteCall) (bool, error) {
		note("create")
		return true, nil
	}

	stop := env.Messages.Watch("c-1")
	defer stop()
	_, err := env.Messages.Send(context.Background(), "c-1", "hi")
	require.NoError(t, err)
	assert.Empty(t, order, "nothing happens while offline")

	env.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"open", "create"}, order)
	assert.Len(t, env.seen.ofType(EventNetworkOnline), 1)
	assert.Len(t, env.seen.ofType(EventChannelOpen), 1)
}
