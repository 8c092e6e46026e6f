package pairlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/pairlink/config"
	"github.com/opd-ai/pairlink/credentials"
	"github.com/opd-ai/pairlink/delivery"
	"github.com/opd-ai/pairlink/session"
	"github.com/opd-ai/pairlink/transport"
	"github.com/sirupsen/logrus"
)

// ErrKilled is returned by operations on a Link after Kill.
var ErrKilled = errors.New("pairlink: link killed")

// Options contains everything needed to build a Link. Nil components are
// built from Config.
type Options struct {
	Config config.Config

	// Store overrides the on-disk credential store.
	Store session.CredentialStore
	// Adapter overrides the WebSocket adapter built from Config.Transport.
	Adapter transport.Adapter
	// Clock overrides the wall clock used for timers.
	Clock session.Clock
}

// NewOptions creates Options holding the default configuration.
func NewOptions() *Options {
	return &Options{Config: config.Default()}
}

// QRCallback receives each pairing challenge.
type QRCallback func(qr string)

// ReadyCallback is called when the session opens.
type ReadyCallback func(status session.Status)

// ConnectionLostCallback is called on every unexpected disconnect.
type ConnectionLostCallback func(reason session.DisconnectReason, willRetry bool, hint string)

// LoggedOutCallback is called once the remote side revokes the device.
type LoggedOutCallback func(hint string)

// PermanentFailureCallback is called when the session gives up.
type PermanentFailureCallback func(reason session.DisconnectReason, hint string)

// SessionClearedCallback is called after ResetSession wiped the credentials.
type SessionClearedCallback func()

// MessageCallback receives inbound messages.
type MessageCallback func(env transport.Envelope)

// StateChangeCallback observes every state transition.
type StateChangeCallback func(from, to session.ConnectionState)

// Link ties one session's state machine, transport and delivery together.
type Link struct {
	options *Options
	store   session.CredentialStore
	adapter transport.Adapter
	machine *session.Machine
	manager *delivery.Manager

	callbackMu               sync.RWMutex
	qrCallback               QRCallback
	readyCallback            ReadyCallback
	connectionLostCallback   ConnectionLostCallback
	loggedOutCallback        LoggedOutCallback
	permanentFailureCallback PermanentFailureCallback
	sessionClearedCallback   SessionClearedCallback
	messageCallback          MessageCallback
	stateChangeCallback      StateChangeCallback

	subsMu sync.Mutex
	subs   []chan session.Notification
	killed bool
}

// New builds a Link in the Idle state. Call Start to connect.
func New(options *Options) (*Link, error) {
	if options == nil {
		options = NewOptions()
	}
	cfg := options.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := buildStore(options)
	if err != nil {
		return nil, err
	}
	adapter, err := buildAdapter(options)
	if err != nil {
		return nil, err
	}

	sc := cfg.SessionConfig()
	sc.Clock = options.Clock
	machine, err := session.NewMachine(sc, store, adapter)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	manager, err := delivery.NewManager(cfg.DeliveryConfig(), machine, adapter)
	if err != nil {
		machine.Close()
		return nil, fmt.Errorf("delivery: %w", err)
	}

	l := &Link{
		options: options,
		store:   store,
		adapter: adapter,
		machine: machine,
		manager: manager,
	}
	machine.Subscribe(l.dispatch)

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"session_id": store.SessionID(),
		"adapter":    fmt.Sprintf("%T", adapter),
	}).Info("Link created")

	return l, nil
}

func buildStore(options *Options) (session.CredentialStore, error) {
	if options.Store != nil {
		return options.Store, nil
	}
	cc := options.Config.Credentials
	store, err := credentials.NewStore(cc.DataDir, options.Config.Session.ID, []byte(cc.Passphrase))
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	return store, nil
}

func buildAdapter(options *Options) (transport.Adapter, error) {
	if options.Adapter != nil {
		return options.Adapter, nil
	}
	if options.Config.Transport.ServerURL == "" {
		return nil, fmt.Errorf("%w: transport.server_url is required without an explicit adapter", config.ErrInvalid)
	}
	wc, err := options.Config.WebSocketConfig()
	if err != nil {
		return nil, err
	}
	adapter, err := transport.NewWebSocketAdapter(wc)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return adapter, nil
}

// SessionID returns the session identifier this link is bound to.
func (l *Link) SessionID() string {
	return l.store.SessionID()
}

// Start begins connecting. Without persisted credentials a pairing challenge
// is delivered to OnQR.
func (l *Link) Start() error {
	if l.isKilled() {
		return ErrKilled
	}
	return l.machine.Start()
}

// ResetSession logs the device out locally and deletes its credentials.
func (l *Link) ResetSession() error {
	if l.isKilled() {
		return ErrKilled
	}
	return l.machine.ResetSession()
}

// Send delivers text to target, waiting briefly for the session to be ready.
func (l *Link) Send(ctx context.Context, target, text string) (delivery.Receipt, error) {
	if l.isKilled() {
		return delivery.Receipt{}, ErrKilled
	}
	return l.manager.Send(ctx, target, text)
}

// IsReady reports whether the session is open.
func (l *Link) IsReady() bool {
	return l.machine.IsReady()
}

// WaitReady blocks until the session opens or ctx ends.
func (l *Link) WaitReady(ctx context.Context) error {
	return l.machine.WaitReady(ctx)
}

// Status returns the current state and pairing challenge.
func (l *Link) Status() session.Status {
	return l.machine.Status()
}

// Diagnostics returns a snapshot of the session internals.
func (l *Link) Diagnostics() session.Diagnostics {
	return l.machine.Diagnostics()
}

// Kill stops the link. Subscription channels are closed and every later
// operation returns ErrKilled. Persisted credentials are kept.
func (l *Link) Kill() {
	l.subsMu.Lock()
	if l.killed {
		l.subsMu.Unlock()
		return
	}
	l.killed = true
	l.subsMu.Unlock()

	l.machine.Close()

	l.subsMu.Lock()
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
	l.subsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Kill",
		"session_id": l.store.SessionID(),
	}).Info("Link killed")
}

func (l *Link) isKilled() bool {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	return l.killed
}

// Subscribe returns a channel carrying every notification. A full channel
// drops notifications rather than stalling delivery. The channel is closed by
// Kill.
func (l *Link) Subscribe(buffer int) <-chan session.Notification {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan session.Notification, buffer)

	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	if l.killed {
		close(ch)
		return ch
	}
	l.subs = append(l.subs, ch)
	return ch
}

// OnQR sets the callback for pairing challenges.
func (l *Link) OnQR(callback QRCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.qrCallback = callback
}

// OnReady sets the callback for the session opening.
func (l *Link) OnReady(callback ReadyCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.readyCallback = callback
}

// OnConnectionLost sets the callback for unexpected disconnects.
func (l *Link) OnConnectionLost(callback ConnectionLostCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.connectionLostCallback = callback
}

// OnLoggedOut sets the callback for remote logout.
func (l *Link) OnLoggedOut(callback LoggedOutCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.loggedOutCallback = callback
}

// OnPermanentFailure sets the callback for giving up.
func (l *Link) OnPermanentFailure(callback PermanentFailureCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.permanentFailureCallback = callback
}

// OnSessionCleared sets the callback for ResetSession completing.
func (l *Link) OnSessionCleared(callback SessionClearedCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.sessionClearedCallback = callback
}

// OnMessage sets the callback for inbound messages.
func (l *Link) OnMessage(callback MessageCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.messageCallback = callback
}

// OnStateChange sets the callback for state transitions.
func (l *Link) OnStateChange(callback StateChangeCallback) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.stateChangeCallback = callback
}

// dispatch runs on the notifier goroutine. Callbacks are read under the lock
// and invoked without it, so a callback may replace callbacks.
func (l *Link) dispatch(n session.Notification) {
	l.fanOut(n)

	l.callbackMu.RLock()
	onState := l.stateChangeCallback
	onQR := l.qrCallback
	onReady := l.readyCallback
	onLost := l.connectionLostCallback
	onLoggedOut := l.loggedOutCallback
	onFailure := l.permanentFailureCallback
	onCleared := l.sessionClearedCallback
	onMessage := l.messageCallback
	l.callbackMu.RUnlock()

	switch n.Kind {
	case session.NotifyStateChanged:
		if onState != nil {
			onState(n.From, n.To)
		}
	case session.NotifyQRAvailable:
		if onQR != nil {
			onQR(n.QR)
		}
	case session.NotifyReady:
		if onReady != nil {
			onReady(session.Status{State: session.StateOpen, ReadySince: n.ReadySince})
		}
	case session.NotifyConnectionLost:
		if onLost != nil && n.Reason != nil {
			onLost(*n.Reason, n.WillRetry, n.Hint)
		}
	case session.NotifyLoggedOut:
		if onLoggedOut != nil {
			onLoggedOut(n.Hint)
		}
	case session.NotifyPermanentFailure:
		if onFailure != nil {
			var r session.DisconnectReason
			if n.Reason != nil {
				r = *n.Reason
			}
			onFailure(r, n.Hint)
		}
	case session.NotifySessionCleared:
		if onCleared != nil {
			onCleared()
		}
	case session.NotifyMessageReceived:
		if onMessage != nil && n.Envelope != nil {
			onMessage(*n.Envelope)
		}
	}
}

func (l *Link) fanOut(n session.Notification) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	if l.killed {
		return
	}
	for _, ch := range l.subs {
		select {
		case ch <- n:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Link.fanOut",
				"kind":     n.Kind.String(),
			}).Warn("Subscriber channel full, notification dropped")
		}
	}
}
