package transport

import (
	"context"
	"sync"

	"github.com/opd-ai/pairlink/credentials"
	"github.com/sirupsen/logrus"
)

// SentMessage records one SimulatedTransport.Send call.
type SentMessage struct {
	Target  string
	Payload []byte
	Err     error
}

// SimulatedTransport is an in-memory Adapter. Events are injected by the
// caller with the Emit helpers; nothing touches the network.
type SimulatedTransport struct {
	events chan Event

	mu        sync.Mutex
	connected bool
	openErrs  []error
	openHook  func(ctx context.Context, creds *credentials.Credentials) error
	sendFunc  func(ctx context.Context, target string, payload []byte) error
	canSend   *bool
	opens     int
	closes    int
	sent      []SentMessage
	lastCreds *credentials.Credentials
}

// NewSimulatedTransport creates a simulated adapter with a buffered event stream.
func NewSimulatedTransport() *SimulatedTransport {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedTransport",
	}).Info("Creating simulated transport")

	return &SimulatedTransport{events: make(chan Event, 256)}
}

// Events implements Adapter.
func (s *SimulatedTransport) Events() <-chan Event {
	return s.events
}

// Open implements Adapter. Queued open errors are returned in order before
// the hook is consulted.
func (s *SimulatedTransport) Open(ctx context.Context, creds *credentials.Credentials) error {
	s.mu.Lock()
	s.opens++
	if creds != nil {
		s.lastCreds = creds.Clone()
	} else {
		s.lastCreds = nil
	}
	var err error
	if len(s.openErrs) > 0 {
		err = s.openErrs[0]
		s.openErrs = s.openErrs[1:]
	}
	hook := s.openHook
	s.mu.Unlock()

	if err == nil && hook != nil {
		err = hook(ctx, creds)
	}

	s.mu.Lock()
	s.connected = err == nil
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SimulatedTransport.Open",
		"paired":   creds.Paired(),
		"failed":   err != nil,
	}).Debug("Simulated open")

	return err
}

// Send implements Adapter.
func (s *SimulatedTransport) Send(ctx context.Context, target string, payload []byte) error {
	s.mu.Lock()
	fn := s.sendFunc
	connected := s.connected
	s.mu.Unlock()

	var err error
	switch {
	case fn != nil:
		err = fn(ctx, target, payload)
	case !connected:
		err = ErrNotConnected
	}

	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{
		Target:  target,
		Payload: append([]byte(nil), payload...),
		Err:     err,
	})
	s.mu.Unlock()

	return err
}

// Close implements Adapter.
func (s *SimulatedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.connected = false
	return nil
}

// CanSend implements Prober. It follows the connection unless overridden.
func (s *SimulatedTransport) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canSend != nil {
		return *s.canSend
	}
	return s.connected
}

// EmitQR injects a pairing challenge.
func (s *SimulatedTransport) EmitQR(data string) {
	s.events <- QREvent(data)
}

// EmitOpened injects a connection opened event.
func (s *SimulatedTransport) EmitOpened() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.events <- OpenedEvent()
}

// EmitClosed injects a connection closed event.
func (s *SimulatedTransport) EmitClosed(code CloseCode, message string) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.events <- ClosedEvent(code, message)
}

// EmitCredentials injects a credentials updated event.
func (s *SimulatedTransport) EmitCredentials(creds *credentials.Credentials) {
	s.events <- CredentialsEvent(creds)
}

// EmitMessage injects an inbound message.
func (s *SimulatedTransport) EmitMessage(env Envelope) {
	s.events <- MessageEvent(env)
}

// QueueOpenErrors makes the next Open calls fail with errs, in order.
func (s *SimulatedTransport) QueueOpenErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErrs = append(s.openErrs, errs...)
}

// SetOpenHook installs a function run by every Open that has no queued error.
func (s *SimulatedTransport) SetOpenHook(fn func(ctx context.Context, creds *credentials.Credentials) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openHook = fn
}

// SetSendFunc overrides Send's result.
func (s *SimulatedTransport) SetSendFunc(fn func(ctx context.Context, target string, payload []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFunc = fn
}

// SetCanSend overrides CanSend.
func (s *SimulatedTransport) SetCanSend(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canSend = &ok
}

// Opens returns how many times Open was called.
func (s *SimulatedTransport) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closes returns how many times Close was called.
func (s *SimulatedTransport) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Sent returns a copy of every Send call so far.
func (s *SimulatedTransport) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// LastCredentials returns a copy of the credentials passed to the last Open.
func (s *SimulatedTransport) LastCredentials() *credentials.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCreds == nil {
		return nil
	}
	return s.lastCreds.Clone()
}
