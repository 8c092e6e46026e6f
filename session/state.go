package session

import "fmt"

// ConnectionState is the canonical state of the session.
type ConnectionState uint8

const (
	StateIdle ConnectionState = iota
	StateInitializing
	StateAwaitingPairing
	StateOpen
	StateClosing
	StateReconnecting
	StateLoggedOut
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateLoggedOut:
		return "logged_out"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether the state only changes through ResetSession
// (or Start, for Failed).
func (s ConnectionState) Terminal() bool {
	return s == StateLoggedOut || s == StateFailed
}

// connecting reports whether a transport connection is being set up or is up.
func (s ConnectionState) connecting() bool {
	return s == StateInitializing || s == StateAwaitingPairing || s == StateOpen
}

// MarshalText lets snapshots render states by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
