package session

import "errors"

var (
	// ErrLoggedOut is returned by Start after a remote logout.
	ErrLoggedOut = errors.New("session logged out: re-scan required: reset the session")
	// ErrClosed is returned once the machine has been closed.
	ErrClosed = errors.New("session closed")
	// ErrNotRunning is returned by Reestablish when no connection cycle is active.
	ErrNotRunning = errors.New("session not running")
	// ErrInvalidConfig is returned for out-of-range configuration.
	ErrInvalidConfig = errors.New("invalid session config")
)
