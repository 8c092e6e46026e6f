package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/opd-ai/pairlink/transport"
)

// Kind classifies a delivery failure.
type Kind uint8

const (
	// KindInvalidInput is a caller error. It is never retried.
	KindInvalidInput Kind = iota + 1
	// KindNotReady means the session was not ready; the caller may retry later.
	KindNotReady
	// KindRecoverable is a transport failure eligible for retry.
	KindRecoverable
	// KindTerminal means retries were exhausted or the failure cannot be retried.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotReady:
		return "not_ready"
	case KindRecoverable:
		return "recoverable"
	case KindTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotReady     = errors.New("session not ready")
	ErrRecoverable  = errors.New("recoverable delivery failure")
	ErrTerminal     = errors.New("delivery failed")
)

var (
	// ErrInvalidTarget is the cause for targets that do not normalize.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrEmptyText is the cause for blank message text.
	ErrEmptyText = errors.New("message text is empty")
)

// Error is returned by Manager.Send for every failure.
type Error struct {
	Kind     Kind
	Attempts int
	Target   string
	Cause    error
}

func (e *Error) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("delivery to %q %s after %d attempt(s): %v", e.Target, e.Kind, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("delivery to %q %s: %v", e.Target, e.Kind, e.Cause)
}

// Unwrap exposes the last underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindInvalidInput:
		return target == ErrInvalidInput
	case KindNotReady:
		return target == ErrNotReady
	case KindRecoverable:
		return target == ErrRecoverable
	case KindTerminal:
		return target == ErrTerminal
	}
	return false
}

// recoverablePatterns match error text from transports that do not wrap a
// typed error: connection loss, timeouts and malformed session state.
var recoverablePatterns = []string{
	"connection closed",
	"connection reset",
	"connection lost",
	"connection refused",
	"broken pipe",
	"not connected",
	"timed out",
	"timeout",
	"malformed",
	"bad mac",
	"invalid state",
	"no session",
	"stream errored",
}

// IsRecoverable reports whether err is worth another attempt on a fresh
// connection.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, transport.ErrAckTimeout),
		errors.Is(err, ErrNotReady),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
