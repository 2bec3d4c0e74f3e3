package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Invoke and Notify while the channel
	// is not in StateConnected.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrConnectionLost fails invocations still pending when the
	// transport drops or the channel is disconnected.
	ErrConnectionLost = errors.New("channel: connection lost")

	// ErrConnectAborted is returned by Connect when Disconnect was called
	// while the handshake was in flight.
	ErrConnectAborted = errors.New("channel: connect aborted")
)

// ConnectionError reports a handshake or transport failure.
type ConnectionError struct {
	Op  string // "connect", "reconnect" or "write"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvocationError reports that the server answered an invocation with an
// error.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("channel: %s rejected: %s", e.Method, e.Message)
}
