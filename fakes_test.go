package tabsplit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// fakeRemote
// ============================================================================

type remoteCall struct {
	Op         Operation
	Collection Collection
	ID         string
	Entity     Entity
	Key        string
}

// fakeRemote is an in-memory RemoteService. Creates are idempotent per key
// and assigned ids "<prefix>-<n>" per collection.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	next    map[Collection]int
	byKey   map[string]Entity
	records map[string]Entity

	// hook runs before each call; a non-nil error is returned to the caller.
	// commit reports whether the call should still be applied server side
	// (to simulate a lost response).
	hook func(ctx context.Context, c remoteCall) (commit bool, err error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		next:    make(map[Collection]int),
		byKey:   make(map[string]Entity),
		records: make(map[string]Entity),
	}
}

var idPrefix = map[Collection]string{
	CollectionMessages:      "m",
	CollectionConversations: "c",
	CollectionExpenses:      "e",
	CollectionExpenseItems:  "i",
}

func (f *fakeRemote) setNext(col Collection, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[col] = n - 1
}

func (f *fakeRemote) before(ctx context.Context, c remoteCall) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	hook := f.hook
	f.mu.Unlock()
	if hook == nil {
		return true, nil
	}
	return hook(ctx, c)
}

func (f *fakeRemote) Create(ctx context.Context, col Collection, entity Entity, key string) (CreateResult, error) {
	commit, err := f.before(ctx, remoteCall{Op: OpCreate, Collection: col, ID: entity.EntityID(), Entity: entity.Clone(), Key: key})
	if err != nil && !commit {
		return CreateResult{}, err
	}

	f.mu.Lock()
	rec, replayed := f.byKey[key]
	if !replayed {
		f.next[col]++
		rec = entity.Clone()
		rec.SetEntityID(fmt.Sprintf("%s-%d", idPrefix[col], f.next[col]))
		if m, ok := rec.(*Message); ok {
			m.IsTemp = false
			m.Status = MessageSent
		}
		f.byKey[key] = rec
		f.records[rec.EntityID()] = rec
	}
	f.mu.Unlock()

	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Record: rec.Clone(), Replayed: replayed}, nil
}

func (f *fakeRemote) Update(ctx context.Context, col Collection, id string, entity Entity, key string) (Entity, error) {
	commit, err := f.before(ctx, remoteCall{Op: OpUpdate, Collection: col, ID: id, Entity: entity.Clone(), Key: key})
	if err != nil && !commit {
		return nil, err
	}
	f.mu.Lock()
	f.records[id] = entity.Clone()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return entity.Clone(), nil
}

func (f *fakeRemote) Delete(ctx context.Context, col Collection, id string, key string) error {
	commit, err := f.before(ctx, remoteCall{Op: OpDelete, Collection: col, ID: id, Key: key})
	if err != nil && !commit {
		return err
	}
	f.mu.Lock()
	delete(f.records, id)
	f.mu.Unlock()
	return err
}

func (f *fakeRemote) Calls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

func (f *fakeRemote) RecordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// failWith makes every call fail with err without applying it.
func (f *fakeRemote) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = func(context.Context, remoteCall) (bool, error) { return false, err }
}

// commitThenFail applies every call but returns err, as when the response
// is lost after the server committed.
func (f *fakeRemote) commitThenFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = func(context.Context, remoteCall) (bool, error) { return true, err }
}

func (f *fakeRemote) succeed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = nil
}

// ============================================================================
// fakePushSource
// ============================================================================

type fakePushSource struct {
	mu       sync.Mutex
	opens    map[string]int
	channels map[string]*fakeChannel
	failOpen error
	onOpen   func(key string)
}

func newFakePushSource() *fakePushSource {
	return &fakePushSource{
		opens:    make(map[string]int),
		channels: make(map[string]*fakeChannel),
	}
}

func (s *fakePushSource) OpenChannel(ctx context.Context, key string, handler PushHandler) (PushChannel, error) {
	s.mu.Lock()
	s.opens[key]++
	failOpen := s.failOpen
	onOpen := s.onOpen
	s.mu.Unlock()

	if onOpen != nil {
		onOpen(key)
	}
	if failOpen != nil {
		return nil, failOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &fakeChannel{channelState: newChannelState(nil), handler: handler}
	s.mu.Lock()
	s.channels[key] = ch
	s.mu.Unlock()
	return ch, nil
}

func (s *fakePushSource) Opens(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[key]
}

func (s *fakePushSource) Channel(key string) *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[key]
}

func (s *fakePushSource) setFailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen = err
}

type fakeChannel struct {
	*channelState
	handler PushHandler
}

func (c *fakeChannel) Close() error {
	c.finish(nil)
	return nil
}

func (c *fakeChannel) push(ev PushEvent) {
	if !c.closed() {
		c.handler(ev)
	}
}

func (c *fakeChannel) drop(err error) {
	c.finish(err)
}

// ============================================================================
// Event recorder and notifier
// ============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type notification struct {
	Title string
	Body  string
	Data  map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Schedule(title, body string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{Title: title, Body: body, Data: data})
}

func (n *fakeNotifier) Sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

// ============================================================================
// Engine helpers
// ============================================================================

type testEnv struct {
	*Engine
	store    *MemoryBlobStore
	remote   *fakeRemote
	push     *fakePushSource
	notifier *fakeNotifier
	seen     *eventLog
}

func newTestEnv(t *testing.T, online bool, mutate ...func(*Options)) *testEnv {
	t.Helper()
	return newTestEnvWith(t, NewMemoryBlobStore(), newFakeRemote(), online, mutate...)
}

func newTestEnvWith(t *testing.T, store *MemoryBlobStore, remote *fakeRemote, online bool, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store,
		remote:   remote,
		push:     newFakePushSource(),
		notifier: &fakeNotifier{},
		seen:     &eventLog{},
	}
	opts := Options{
		Remote:       remote,
		Push:         env.push,
		Store:        store,
		UserID:       "u-1",
		Notifier:     env.notifier,
		StartOffline: !online,
		Sync: SyncOptions{
			MaxAttempts:    3,
			BackoffBase:    time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
			RequestTimeout: time.Second,
		},
		Realtime: RealtimeConfig{
			ReconnectBaseDelay: time.Millisecond,
			ReconnectMaxDelay:  5 * time.Millisecond,
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	eng.Sync.jitter = func(time.Duration) time.Duration { return 0 }
	eng.OnAny(env.seen.record)
	t.Cleanup(func() { eng.Close() })
	env.Engine = eng
	return env
}

// drain runs one synchronous drain pass.
func (e *testEnv) drain() {
	e.Sync.Drain(context.Background())
}

// drainAfterBackoff waits for the head's backoff to pass, then drains.
func (e *testEnv) drainAfterBackoff(t *testing.T) {
	t.Helper()
	if m, ok := e.Queue.PeekNext(); ok && !m.NextAttemptAt.IsZero() {
		time.Sleep(time.Until(m.NextAttemptAt) + time.Millisecond)
	}
	e.drain()
}

func (e *testEnv) messages(convID string) []*Message {
	return e.Messages.Messages(convID, time.Time{}, 100).Messages
}

var errTransport = errors.New("connection reset by peer")

// encodePushEvent is the inverse of decodePushEvent.
func encodePushEvent(ev PushEvent) ([]byte, error) {
	env := pushEnvelope{
		Type:       ev.Type,
		Resource:   ev.ResourceKey,
		Collection: ev.Collection,
		ID:         ev.ID,
		At:         ev.At,
	}
	if ev.Record != nil {
		data, err := json.Marshal(ev.Record)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}
