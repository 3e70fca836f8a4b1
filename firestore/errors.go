package firestore

import "errors"

// errors.go provides the error classes of the firestore package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

var (
	// ErrProtocol marks a malformed frame or telegram. It is reported to the
	// listener error callback and never terminates the poll loop.
	ErrProtocol = errors.New("channel protocol error")

	// ErrAuth marks an embedded 401 status in the telegram stream. It
	// triggers the token renewal flow.
	ErrAuth = errors.New("channel auth error")

	// ErrTransport marks an HTTP failure during a poll request. The loop
	// backs off and retries.
	ErrTransport = errors.New("channel transport error")

	// ErrInvalidState marks API misuse, e.g. mutating targets while the
	// listener runs.
	ErrInvalidState = errors.New("invalid listener state")

	// ErrTimeout is returned by Stop when the worker did not terminate
	// within the caller's timeout.
	ErrTimeout = errors.New("listener stop timeout")
)
