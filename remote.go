package tabsplit

import (
	"context"
	"sync"
)

// ============================================================================
// Remote data service
// ============================================================================

// CreateResult is the remote service's answer to a Create.
type CreateResult struct {
	// Record is the server copy of the created entity, carrying the
	// server-assigned id.
	Record Entity
	// Replayed is set when the service recognised the idempotency token
	// and returned the record created by an earlier attempt.
	Replayed bool
}

// RemoteService is the authoritative data service. Implementations return
// *RemoteError for classified failures; anything else is treated as a
// transient network failure. idempotencyKey is the mutation's queue id and
// is identical on every attempt of the same mutation.
type RemoteService interface {
	Create(ctx context.Context, col Collection, entity Entity, idempotencyKey string) (CreateResult, error)
	Update(ctx context.Context, col Collection, id string, entity Entity, idempotencyKey string) (Entity, error)
	Delete(ctx context.Context, col Collection, id string, idempotencyKey string) error
}

// ============================================================================
// Push channels
// ============================================================================

// PushHandler receives the events of one push channel, in arrival order, on
// the channel's reader goroutine.
type PushHandler func(PushEvent)

// PushSource opens live event channels keyed by resource key, for example
// "conversation:<id>".
type PushSource interface {
	OpenChannel(ctx context.Context, resourceKey string, handler PushHandler) (PushChannel, error)
}

// PushChannel is one open push subscription.
type PushChannel interface {
	// Done is closed when the channel stops delivering, either because it
	// dropped or because Close was called.
	Done() <-chan struct{}
	// Err reports why the channel dropped. It is nil after Close.
	Err() error
	Close() error
}

// channelState is the Done/Err/Close bookkeeping shared by the shipped
// transports.
type channelState struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

func newChannelState(cancel context.CancelFunc) *channelState {
	return &channelState{done: make(chan struct{}), cancel: cancel}
}

func (c *channelState) Done() <-chan struct{} { return c.done }

func (c *channelState) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// finish marks the channel dropped with err. Only the first call counts.
func (c *channelState) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
	})
}

func (c *channelState) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
