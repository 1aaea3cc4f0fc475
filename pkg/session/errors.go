package session

import "errors"

var (
	// ErrConnectionFailed indicates a handshake or authentication failure.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSessionLost indicates the broker connection dropped mid-session.
	ErrSessionLost = errors.New("session lost")

	// ErrClosed indicates the session was shut down and will not reconnect.
	ErrClosed = errors.New("session closed")
)
