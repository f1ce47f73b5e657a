package rabbitmq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no channel is currently open.
	ErrNotConnected = errors.New("rabbitmq: not connected")

	// ErrConnectionClosed is reported when the broker closed the connection
	// without an error frame.
	ErrConnectionClosed = errors.New("rabbitmq: connection closed")

	// ErrAlreadyStarted is returned by Start when the reconnect loop is
	// already running.
	ErrAlreadyStarted = errors.New("rabbitmq: connection manager already started")

	// ErrClosed is returned when the manager has shut down.
	ErrClosed = errors.New("rabbitmq: connection manager closed")

	// ErrNilBinder is returned when no channel binder was supplied.
	ErrNilBinder = errors.New("rabbitmq: channel binder is required")
)

// ConnectionError wraps a failure in the connection lifecycle.
type ConnectionError struct {
	Op  string // operation that failed
	URL string // sanitized broker URL
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq: %s failed for %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
