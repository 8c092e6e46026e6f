package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/pairlink/credentials"
)

// CloseCode is the numeric reason a connection ended.
type CloseCode int

// Close codes reported by link servers. Classification lives in the session
// package; the adapter only transports the number.
const (
	CodeNetwork            CloseCode = 0
	CodeUnauthorized       CloseCode = 401
	CodeMethodRejected     CloseCode = 405
	CodeTimedOut           CloseCode = 408
	CodeLoggedOut          CloseCode = 410
	CodeSessionExpired     CloseCode = 419
	CodeVersionRejected    CloseCode = 426
	CodeConnectionClosed   CloseCode = 428
	CodeConnectionReplaced CloseCode = 440
	CodeBadSession         CloseCode = 500
	CodeUnavailable        CloseCode = 503
	CodeRestartRequired    CloseCode = 515
)

var (
	// ErrBadCredentials means Open cannot use the supplied credentials.
	ErrBadCredentials = errors.New("transport: malformed or missing credentials")
	// ErrNotConnected is returned by Send when no connection is established.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned when the connection closed while an operation was in flight.
	ErrClosed = errors.New("transport: connection closed")
	// ErrAckTimeout is returned when the server does not acknowledge a send in time.
	ErrAckTimeout = errors.New("transport: ack timeout")
	// ErrHandshake is returned when the encrypted handshake fails.
	ErrHandshake = errors.New("transport: handshake failed")
)

// CloseError is returned by Open when the server refuses the session outright.
// It carries the same code a closed event would.
type CloseError struct {
	Code    CloseCode
	Message string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed by server (code %d): %s", e.Code, e.Message)
}

// Adapter is the connection primitive driven by the session state machine.
type Adapter interface {
	// Open establishes a connection. A nil creds starts a fresh pairing.
	// It returns once the connection is up; pairing completes asynchronously.
	Open(ctx context.Context, creds *credentials.Credentials) error
	// Send delivers payload to target and returns once the server accepted it.
	Send(ctx context.Context, target string, payload []byte) error
	// Close tears the current connection down. It is idempotent.
	Close() error
	// Events returns the adapter's event stream.
	Events() <-chan Event
}

// Prober is implemented by adapters that can report a minimally functional
// send path even when the session has not confirmed readiness.
type Prober interface {
	CanSend() bool
}

// EventKind identifies an Event.
type EventKind uint8

const (
	EventQR EventKind = iota + 1
	EventOpened
	EventClosed
	EventCredentialsUpdated
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpened:
		return "connection_opened"
	case EventClosed:
		return "connection_closed"
	case EventCredentialsUpdated:
		return "credentials_updated"
	case EventMessage:
		return "message_received"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Envelope is an inbound message.
type Envelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one item on the adapter event stream. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind        EventKind
	QR          string
	Code        CloseCode
	Message     string
	Credentials *credentials.Credentials
	Envelope    *Envelope
	At          time.Time
}

// QREvent builds a pairing challenge event.
func QREvent(data string) Event {
	return Event{Kind: EventQR, QR: data, At: time.Now()}
}

// OpenedEvent builds a connection opened event.
func OpenedEvent() Event {
	return Event{Kind: EventOpened, At: time.Now()}
}

// ClosedEvent builds a connection closed event.
func ClosedEvent(code CloseCode, message string) Event {
	return Event{Kind: EventClosed, Code: code, Message: message, At: time.Now()}
}

// CredentialsEvent builds a credentials updated event carrying a copy of creds.
func CredentialsEvent(creds *credentials.Credentials) Event {
	return Event{Kind: EventCredentialsUpdated, Credentials: creds.Clone(), At: time.Now()}
}

// MessageEvent builds an inbound message event.
func MessageEvent(env Envelope) Event {
	return Event{Kind: EventMessage, Envelope: &env, At: time.Now()}
}
