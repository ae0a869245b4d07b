package tabsplit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushInsert(msg *Message) PushEvent {
	return PushEvent{
		Type:        PushInsert,
		ResourceKey: ConversationKey(msg.ConversationID),
		Collection:  CollectionMessages,
		ID:          msg.ID,
		Record:      msg,
	}
}

// ============================================================================
// Offline send
// ============================================================================

func TestMessageOfflineSendThenConfirm(t *testing.T) {
	env := newTestEnv(t, false)
	env.remote.setNext(CollectionMessages, 42)
	ctx := context.Background()

	msg, err := env.Messages.Send(ctx, "c-1", "dinner was 42")
	require.NoError(t, err)
	assert.True(t, IsTempID(msg.ID))
	assert.True(t, msg.IsTemp)
	assert.Equal(t, MessageSending, msg.Status)
	assert.Equal(t, "u-1", msg.SenderID)
	assert.NotEmpty(t, msg.ClientID)

	msgs := env.messages("c-1")
	require.Len(t, msgs, 1, "the optimistic message is visible immediately")
	assert.Equal(t, msg.ID, msgs[0].ID)

	head, ok := env.Queue.PeekNext()
	require.True(t, ok)
	assert.Equal(t, msg.ClientID, head.QueueID, "the client id is the idempotency token")
	assert.Len(t, env.seen.ofType(EventMessageLocal), 1)

	env.SetOnline(true)

	msgs = env.messages("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-42", msgs[0].ID)
	assert.Equal(t, MessageSent, msgs[0].Status)
	assert.False(t, msgs[0].IsTemp)
	assert.Equal(t, "dinner was 42", msgs[0].Text)
	assert.Equal(t, msg.ClientID, msgs[0].ClientID)
	assert.Equal(t, 0, env.Queue.Len())

	confirmed := env.seen.ofType(EventMessageConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, msg.ID, confirmed[0].EntityID)
	assert.Equal(t, "m-42", confirmed[0].ServerID)
}

func TestMessageSendValidatesInput(t *testing.T) {
	env := newTestEnv(t, true)

	_, err := env.Messages.Send(context.Background(), "  ", "hi")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.Messages.Send(ctx, "c-1", "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, env.Queue.Len())
}

// ============================================================================
// No duplication
// ============================================================================

func TestMessageNoDuplication(t *testing.T) {
	t.Run("push echo before sync, matched by client id", func(t *testing.T) {
		env := newTestEnv(t, true)
		msg, err := env.Messages.Send(context.Background(), "c-1", "hi")
		require.NoError(t, err)

		echo := msg.Clone().(*Message)
		echo.ID = "m-42"
		echo.IsTemp = false
		env.ApplyPush(pushInsert(echo))

		msgs := env.messages("c-1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-42", msgs[0].ID)
		assert.Equal(t, MessageSent, msgs[0].Status)
		assert.Equal(t, 0, env.Queue.Len(), "the unsent create is dropped")

		env.drain()
		assert.Empty(t, env.remote.Calls())
		assert.Len(t, env.messages("c-1"), 1)
		assert.Empty(t, env.notifier.Sent(), "own messages do not notify")
	})

	t.Run("push echo before sync, matched by content", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.remote.setNext(CollectionMessages, 42)
		msg, err := env.Messages.Send(context.Background(), "c-1", "hi")
		require.NoError(t, err)

		echo := &Message{ID: "m-42", ConversationID: "c-1", SenderID: "u-1", Text: "hi", CreatedAt: msg.CreatedAt.Add(time.Second)}
		env.ApplyPush(pushInsert(echo))

		msgs := env.messages("c-1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-42", msgs[0].ID)
		assert.Equal(t, msg.ClientID, msgs[0].ClientID, "missing fields are filled from the temp record")
		assert.Equal(t, 1, env.Queue.Len(), "a content match leaves the create queued")

		env.drain()
		msgs = env.messages("c-1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-42", msgs[0].ID)
		assert.Equal(t, 0, env.Queue.Len())
	})

	t.Run("sync before push echo", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.remote.setNext(CollectionMessages, 42)
		msg, err := env.Messages.Send(context.Background(), "c-1", "hi")
		require.NoError(t, err)

		env.drain()

		echo := msg.Clone().(*Message)
		echo.ID = "m-42"
		echo.IsTemp = false
		env.ApplyPush(pushInsert(echo))

		msgs := env.messages("c-1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-42", msgs[0].ID)
		assert.Equal(t, MessageSent, msgs[0].Status)
	})

	t.Run("push echo while the send is in flight", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.remote.setNext(CollectionMessages, 42)
		msg, err := env.Messages.Send(context.Background(), "c-1", "hi")
		require.NoError(t, err)

		env.remote.hook = func(context.Context, remoteCall) (bool, error) {
			echo := msg.Clone().(*Message)
			echo.ID = "m-42"
			echo.IsTemp = false
			env.ApplyPush(pushInsert(echo))
			return true, nil
		}
		env.drain()

		msgs := env.messages("c-1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-42", msgs[0].ID)
		assert.Equal(t, MessageSent, msgs[0].Status)
		assert.Equal(t, 0, env.Queue.Len())
	})

	t.Run("duplicate push events", func(t *testing.T) {
		env := newTestEnv(t, true)
		incoming := &Message{ID: "m-7", ConversationID: "c-1", SenderID: "u-2", Text: "hello", CreatedAt: t0}
		env.ApplyPush(pushInsert(incoming))
		env.ApplyPush(pushInsert(incoming.Clone().(*Message)))

		assert.Len(t, env.messages("c-1"), 1)
	})

	t.Run("distant content match is a different message", func(t *testing.T) {
		env := newTestEnv(t, true)
		msg, err := env.Messages.Send(context.Background(), "c-1", "ok")
		require.NoError(t, err)

		older := &Message{ID: "m-1", ConversationID: "c-1", SenderID: "u-1", Text: "ok", CreatedAt: msg.CreatedAt.Add(-time.Hour)}
		env.ApplyPush(pushInsert(older))

		assert.Len(t, env.messages("c-1"), 2)
		_, ok := env.Get(CollectionMessages, msg.ID)
		assert.True(t, ok)
	})
}

// ============================================================================
// Incoming messages
// ============================================================================

func TestMessageFromOtherUserNotifies(t *testing.T) {
	env := newTestEnv(t, true)
	incoming := &Message{ID: "m-9", ConversationID: "c-1", SenderID: "u-2", Text: "you owe me 12", CreatedAt: t0}
	env.ApplyPush(pushInsert(incoming))

	sent := env.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "you owe me 12", sent[0].Body)
	assert.Equal(t, "c-1", sent[0].Data["conversation_id"])
	assert.Equal(t, "m-9", sent[0].Data["message_id"])

	received := env.seen.ofType(EventMessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "m-9", received[0].EntityID)
}

func TestMessagePushDelete(t *testing.T) {
	env := newTestEnv(t, true)
	env.ApplyPush(pushInsert(&Message{ID: "m-9", ConversationID: "c-1", SenderID: "u-2", Text: "oops", CreatedAt: t0}))
	env.ApplyPush(PushEvent{Type: PushDelete, Collection: CollectionMessages, ID: "m-9"})

	assert.Empty(t, env.messages("c-1"))
}

// ============================================================================
// Retry / Discard
// ============================================================================

func TestMessageRetryAndDiscard(t *testing.T) {
	failing := func(t *testing.T) (*testEnv, *Message) {
		env := newTestEnv(t, true)
		env.remote.failWith(&RemoteError{Kind: KindValidation, Message: "rejected"})
		msg, err := env.Messages.Send(context.Background(), "c-1", "hi")
		require.NoError(t, err)
		env.drain()
		got, _ := env.Get(CollectionMessages, msg.ID)
		require.Equal(t, MessageFailed, got.(*Message).Status)
		return env, msg
	}

	t.Run("retry sends under a new token", func(t *testing.T) {
		env, msg := failing(t)
		env.remote.succeed()

		retried, err := env.Messages.Retry(context.Background(), msg.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, retried.ID)
		assert.Equal(t, MessageSending, retried.Status)
		assert.NotEqual(t, msg.ClientID, retried.ClientID)
		assert.NotEmpty(t, retried.ClientID)

		env.drain()
		msgs := env.messages("c-1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-1", msgs[0].ID)
		assert.Equal(t, MessageSent, msgs[0].Status)
		assert.Empty(t, msgs[0].FailReason)
	})

	t.Run("discard removes", func(t *testing.T) {
		env, msg := failing(t)
		require.NoError(t, env.Messages.Discard(msg.ID))
		assert.Empty(t, env.messages("c-1"))
	})

	t.Run("only failed messages", func(t *testing.T) {
		env := newTestEnv(t, false)
		msg, err := env.Messages.Send(context.Background(), "c-1", "hi")
		require.NoError(t, err)

		_, err = env.Messages.Retry(context.Background(), msg.ID)
		assert.ErrorIs(t, err, ErrNotFailed)
		assert.ErrorIs(t, env.Messages.Discard(msg.ID), ErrNotFailed)
		assert.ErrorIs(t, env.Messages.Discard("temp-missing"), ErrNotFound)
	})
}

// ============================================================================
// Send timeout
// ============================================================================

func TestMessageSendTimeout(t *testing.T) {
	env := newTestEnv(t, false, func(o *Options) {
		o.Reconciler.SendTimeout = time.Millisecond
	})
	msg, err := env.Messages.Send(context.Background(), "c-1", "hi")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, env.Messages.SweepTimeouts())

	got, _ := env.Get(CollectionMessages, msg.ID)
	assert.Equal(t, MessageFailed, got.(*Message).Status)
	assert.Equal(t, "send timed out", got.(*Message).FailReason)
	assert.Equal(t, 0, env.Queue.Len())
	assert.Len(t, env.seen.ofType(EventMessageFailed), 1)

	assert.Equal(t, 0, env.Messages.SweepTimeouts(), "already failed")
}

func TestMessageRetryAfterTimeoutKeepsToken(t *testing.T) {
	env := newTestEnv(t, true, func(o *Options) {
		o.Reconciler.SendTimeout = time.Millisecond
		o.Sync.BackoffBase = time.Hour
		o.Sync.BackoffMax = time.Hour
	})
	ctx := context.Background()

	env.remote.commitThenFail(context.DeadlineExceeded)
	msg, err := env.Messages.Send(ctx, "c-1", "hi")
	require.NoError(t, err)
	env.drain()
	require.Equal(t, 1, env.remote.RecordCount(), "the server stored the message")
	head, ok := env.Queue.PeekNext()
	require.True(t, ok)
	require.Equal(t, 1, head.Attempts)

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, env.Messages.SweepTimeouts())

	env.remote.succeed()
	retried, err := env.Messages.Retry(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ClientID, retried.ClientID)
	env.drain()

	calls := env.remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Key, calls[1].Key, "the retry replays the first send")
	assert.Equal(t, 1, env.remote.RecordCount())

	msgs := env.messages("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, MessageSent, msgs[0].Status)
	assert.Equal(t, 0, env.Queue.Len())
}

func TestMessageSendTimeoutDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.Messages.Send(context.Background(), "c-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, 0, env.Messages.SweepTimeouts())
	assert.Equal(t, 1, env.Queue.Len())
}

// ============================================================================
// Paging
// ============================================================================

func TestMessagePaging(t *testing.T) {
	env := newTestEnv(t, true)
	for i, id := range []string{"m-1", "m-2", "m-3", "m-4", "m-5"} {
		m := &Message{ID: id, ConversationID: "c-1", SenderID: "u-2", Text: id, CreatedAt: t0.Add(time.Duration(i) * time.Minute), Status: MessageSent}
		_, err := env.Cache.Put(CollectionMessages, RecordOf(m, t0))
		require.NoError(t, err)
	}
	_, err := env.Cache.Put(CollectionMessages, RecordOf(&Message{ID: "x-1", ConversationID: "c-2", CreatedAt: t0}, t0))
	require.NoError(t, err)

	page := env.Messages.Messages("c-1", time.Time{}, 2)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m-5", page.Messages[0].ID)
	assert.Equal(t, "m-4", page.Messages[1].ID)
	assert.True(t, page.HasMore)
	assert.True(t, page.Cursor.Equal(t0.Add(3*time.Minute)))

	page = env.Messages.Messages("c-1", page.Cursor, 2)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m-3", page.Messages[0].ID)
	assert.Equal(t, "m-2", page.Messages[1].ID)
	assert.True(t, page.HasMore)

	page = env.Messages.Messages("c-1", page.Cursor, 2)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m-1", page.Messages[0].ID)
	assert.False(t, page.HasMore)

	assert.Len(t, env.Messages.Messages("c-1", time.Time{}, 0).Messages, 5)
}

func TestMessagePagingEqualTimestamps(t *testing.T) {
	env := newTestEnv(t, true)
	for _, m := range []*Message{
		{ID: "m-a", CreatedAt: t0},
		{ID: "m-b", CreatedAt: t0},
		{ID: "m-c", CreatedAt: t0.Add(time.Minute)},
		{ID: "m-d", CreatedAt: t0.Add(-time.Minute)},
	} {
		m.ConversationID, m.SenderID, m.Status = "c-1", "u-2", MessageSent
		_, err := env.Cache.Put(CollectionMessages, RecordOf(m, t0))
		require.NoError(t, err)
	}

	page := env.Messages.Messages("c-1", time.Time{}, 2)
	var ids []string
	for _, m := range page.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m-c", "m-a", "m-b"}, ids, "the page finishes the run at the cursor")
	assert.True(t, page.HasMore)
	assert.True(t, page.Cursor.Equal(t0))

	page = env.Messages.Messages("c-1", page.Cursor, 2)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m-d", page.Messages[0].ID)
	assert.False(t, page.HasMore)
}

// ============================================================================
// Watch
// ============================================================================

func TestMessageWatch(t *testing.T) {
	env := newTestEnv(t, true)
	stop := env.Messages.Watch("c-1")

	ch := env.push.Channel(ConversationKey("c-1"))
	require.NotNil(t, ch)
	ch.push(pushInsert(&Message{ID: "m-3", ConversationID: "c-1", SenderID: "u-2", Text: "hey", CreatedAt: t0}))

	msgs := env.messages("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-3", msgs[0].ID)

	stop()
	assert.Equal(t, 0, env.Realtime.OpenChannels())
}
