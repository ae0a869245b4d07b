package tabsplit

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind classifies a remote failure for retry decisions.
type ErrorKind string

const (
	// KindNetwork is a transient failure (transport error, timeout, 5xx).
	// The mutation is retried with backoff up to the attempt limit.
	KindNetwork ErrorKind = "network"
	// KindValidation means the remote rejected the payload. Permanent.
	KindValidation ErrorKind = "validation"
	// KindConflict means the target entity was deleted or changed
	// incompatibly on the server. Permanent; the cache is refreshed.
	KindConflict ErrorKind = "conflict"
	// KindAuth means the credentials were rejected. Draining pauses until
	// re-authentication; queued mutations are kept.
	KindAuth ErrorKind = "auth"
)

// Permanent reports whether a mutation failing with this kind must not be retried.
func (k ErrorKind) Permanent() bool {
	return k == KindValidation || k == KindConflict
}

// RemoteError is the classified error returned by a RemoteService.
type RemoteError struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Record is the authoritative server state of the target entity, when the
	// service returned one alongside a conflict.
	Record Entity
	Err    error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError builds a RemoteError of the given kind.
func NewRemoteError(kind ErrorKind, code, message string) *RemoteError {
	return &RemoteError{Kind: kind, Code: code, Message: message}
}

var (
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("tabsplit: engine closed")
	// ErrNotFound is returned when a record or mutation does not exist.
	ErrNotFound = errors.New("tabsplit: not found")
	// ErrNotFailed is returned when retrying or discarding a message that is
	// not in the Failed state.
	ErrNotFailed = errors.New("tabsplit: message is not in failed state")
	// ErrInFlight is returned when cancelling a mutation that is being sent.
	ErrInFlight = errors.New("tabsplit: mutation is in flight")
	// ErrUnknownKind is returned when decoding an entity envelope of an
	// unregistered kind.
	ErrUnknownKind = errors.New("tabsplit: unknown entity kind")
)

// ClassifyError maps any error returned by a remote call to an ErrorKind.
// Anything that is not a *RemoteError, including context deadlines and
// transport errors, is transient.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}
