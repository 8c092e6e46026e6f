package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/pairlink/credentials"
	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/transport"
	"github.com/sirupsen/logrus"
)

// CredentialStore is the persistence the machine needs. *credentials.Store
// implements it.
type CredentialStore interface {
	SessionID() string
	Exists() bool
	Load() (*credentials.Credentials, error)
	Save(creds *credentials.Credentials) error
	Clear() error
}

type commandKind uint8

const (
	cmdStart commandKind = iota + 1
	cmdReset
	cmdReestablish
	cmdTimer
	cmdOpenResult
)

type timerKind uint8

const (
	timerPairing timerKind = iota + 1
	timerReconnect
	timerInit
)

type command struct {
	kind  commandKind
	timer timerKind
	gen   uint64
	seq   uint64
	err   error
	reply chan error
}

// Machine is the session state machine. All fields below the loop marker are
// owned by the run goroutine.
type Machine struct {
	cfg      Config
	clock    Clock
	store    CredentialStore
	adapter  transport.Adapter
	notifier *Notifier

	cmds      chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	snap atomic.Pointer[Diagnostics]

	readyMu sync.Mutex
	readyCh chan struct{}

	// loop-owned
	state              ConnectionState
	generation         uint64
	timer              Timer
	timerSeq           uint64
	openCancel         context.CancelFunc
	challenge          string
	readySince         time.Time
	attempts           int
	rejections         int
	lastDisconnect     *DisconnectReason
	nextReconnectAt    time.Time
	lastErr            string
	lastActivity       time.Time
	probablyFunctional bool
	credsPresent       bool
	eventsProcessed    uint64
	transitions        uint64
}

// NewMachine validates cfg and starts the control loop in StateIdle.
func NewMachine(cfg Config, store CredentialStore, adapter transport.Adapter) (*Machine, error) {
	if store == nil || adapter == nil {
		return nil, fmt.Errorf("%w: store and adapter are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:          cfg,
		clock:        clock,
		store:        store,
		adapter:      adapter,
		notifier:     NewNotifier(),
		cmds:         make(chan command),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		readyCh:      make(chan struct{}),
		state:        StateIdle,
		credsPresent: store.Exists(),
	}
	m.publish()

	logrus.WithFields(logrus.Fields{
		"function":            "NewMachine",
		"session_id":          store.SessionID(),
		"credentials_present": m.credsPresent,
	}).Info("Session machine created")

	go m.run()
	return m, nil
}

// Start begins a connection cycle from Idle or Failed. It is a no-op while a
// cycle is already running and returns ErrLoggedOut after a remote logout.
func (m *Machine) Start() error {
	return m.do(cmdStart)
}

// ResetSession cancels timers, closes the transport, deletes persisted
// credentials and returns to Idle. It is idempotent.
func (m *Machine) ResetSession() error {
	return m.do(cmdReset)
}

// Reestablish closes and reopens an Open connection without touching the
// reconnect counter. While a cycle is already connecting it does nothing.
func (m *Machine) Reestablish() error {
	return m.do(cmdReestablish)
}

// Close stops the machine and the transport. The machine cannot be restarted.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
	return nil
}

// Subscribe registers a notification listener. Listeners run on the notifier
// goroutine and must not block for long.
func (m *Machine) Subscribe(l Listener) {
	m.notifier.Subscribe(l)
}

// Status returns the latest published status.
func (m *Machine) Status() Status {
	return m.snap.Load().Status()
}

// Diagnostics returns the latest published snapshot.
func (m *Machine) Diagnostics() Diagnostics {
	d := *m.snap.Load()
	if d.LastDisconnect != nil {
		r := *d.LastDisconnect
		d.LastDisconnect = &r
	}
	return d
}

// IsReady reports whether the state is Open.
func (m *Machine) IsReady() bool {
	return m.snap.Load().State == StateOpen
}

// WaitReady blocks until the session is Open, ctx ends or the machine closes.
func (m *Machine) WaitReady(ctx context.Context) error {
	m.readyMu.Lock()
	ch := m.readyCh
	m.readyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

func (m *Machine) do(kind commandKind) error {
	reply := make(chan error, 1)
	select {
	case m.cmds <- command{kind: kind, reply: reply}:
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// post hands an internal command to the loop. Used by timer callbacks and
// open goroutines.
func (m *Machine) post(c command) {
	select {
	case m.cmds <- c:
	case <-m.done:
	}
}

func (m *Machine) run() {
	defer close(m.done)

	events := m.adapter.Events()
	for {
		select {
		case <-m.quit:
			m.shutdown()
			return
		case c := <-m.cmds:
			err := m.handleCommand(c)
			m.publish()
			if c.reply != nil {
				c.reply <- err
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.eventsProcessed++
			m.handleEvent(ev)
			m.publish()
		}
	}
}

func (m *Machine) handleCommand(c command) error {
	switch c.kind {
	case cmdStart:
		return m.handleStart()
	case cmdReset:
		return m.handleReset()
	case cmdReestablish:
		return m.handleReestablish()
	case cmdTimer:
		m.handleTimer(c)
	case cmdOpenResult:
		m.handleOpenResult(c.gen, c.err)
	}
	return nil
}

func (m *Machine) handleStart() error {
	switch m.state {
	case StateIdle:
	case StateFailed:
		m.attempts = 0
		m.rejections = 0
	case StateLoggedOut:
		return ErrLoggedOut
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Machine.handleStart",
			"state":    m.state.String(),
		}).Info("Start ignored, connection cycle already running")
		return nil
	}
	m.beginInitializing()
	return nil
}

func (m *Machine) handleReset() error {
	m.stopTimer()
	m.bumpGeneration()
	m.closeTransport()
	err := m.clearCredentials()

	m.challenge = ""
	m.attempts = 0
	m.rejections = 0
	m.nextReconnectAt = time.Time{}
	m.probablyFunctional = false
	m.setState(StateIdle)

	logrus.WithFields(logrus.Fields{
		"function":   "Machine.handleReset",
		"session_id": m.store.SessionID(),
		"generation": m.generation,
	}).Info("Session reset")

	m.notify(Notification{Kind: NotifySessionCleared})
	return err
}

func (m *Machine) handleReestablish() error {
	switch m.state {
	case StateOpen:
	case StateInitializing, StateAwaitingPairing, StateReconnecting:
		return nil
	default:
		return fmt.Errorf("%w: state %s", ErrNotRunning, m.state)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Machine.handleReestablish",
		"generation": m.generation,
	}).Info("Re-establishing transport")

	m.stopTimer()
	m.bumpGeneration()
	m.closeTransport()
	m.beginInitializing()
	return nil
}

func (m *Machine) handleTimer(c command) {
	if c.gen != m.generation || c.seq != m.timerSeq {
		logrus.WithFields(logrus.Fields{
			"function":   "Machine.handleTimer",
			"generation": c.gen,
			"current":    m.generation,
		}).Debug("Dropping stale timer")
		return
	}
	m.timer = nil

	switch {
	case c.timer == timerPairing && m.state == StateAwaitingPairing:
		r := DisconnectReason{
			Kind:          KindTransient,
			Code:          transport.CodeTimedOut,
			Message:       "pairing timed out",
			DuringPairing: true,
		}
		m.handleDisconnect(r)
	case c.timer == timerReconnect && m.state == StateReconnecting:
		m.nextReconnectAt = time.Time{}
		m.beginInitializing()
	case c.timer == timerInit && m.state == StateInitializing:
		m.handleDisconnect(DisconnectReason{
			Kind:    KindTransient,
			Code:    transport.CodeTimedOut,
			Message: fmt.Sprintf("no session events within %s", m.cfg.OpenTimeout),
		})
	}
}

func (m *Machine) handleOpenResult(gen uint64, err error) {
	if gen != m.generation {
		if err == nil && !m.state.connecting() {
			m.closeTransport()
		}
		return
	}
	m.openCancel = nil

	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Machine.handleOpenResult",
			"generation": gen,
		}).Debug("Transport open, waiting for session events")
		return
	}
	if !m.state.connecting() {
		return
	}

	m.lastErr = err.Error()

	var ce *transport.CloseError
	switch {
	case errors.As(err, &ce):
		r := Classify(ce.Code, ce.Message)
		r.DuringPairing = m.state == StateAwaitingPairing
		m.handleDisconnect(r)
	case errors.Is(err, transport.ErrBadCredentials):
		r := DisconnectReason{Kind: KindCredentialFailure, Message: err.Error()}
		m.lastDisconnect = &r
		m.fail(r)
	default:
		m.handleDisconnect(DisconnectReason{
			Kind:    KindTransient,
			Code:    transport.CodeNetwork,
			Message: err.Error(),
		})
	}
}

func (m *Machine) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventQR:
		m.onQR(ev.QR)
	case transport.EventOpened:
		m.onOpened()
	case transport.EventClosed:
		if !m.state.connecting() {
			logrus.WithFields(logrus.Fields{
				"function": "Machine.handleEvent",
				"state":    m.state.String(),
				"code":     ev.Code,
			}).Debug("Ignoring close event outside a connection cycle")
			return
		}
		r := Classify(ev.Code, ev.Message)
		r.DuringPairing = m.state == StateAwaitingPairing
		m.handleDisconnect(r)
	case transport.EventCredentialsUpdated:
		m.onCredentials(ev.Credentials)
	case transport.EventMessage:
		m.onMessage(ev.Envelope)
	}
}

func (m *Machine) onQR(data string) {
	if m.state != StateInitializing && m.state != StateAwaitingPairing {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.onQR",
			"state":    m.state.String(),
		}).Warn("Ignoring QR outside pairing")
		return
	}

	m.challenge = data
	m.setState(StateAwaitingPairing)
	m.startTimer(timerPairing, m.cfg.PairingTimeout)

	logrus.WithFields(crypto.SecureFieldHash([]byte(data), "qr")).WithFields(logrus.Fields{
		"function": "Machine.onQR",
		"timeout":  m.cfg.PairingTimeout.String(),
	}).Info("Pairing challenge available")

	m.notify(Notification{Kind: NotifyQRAvailable, QR: data})
}

func (m *Machine) onOpened() {
	if m.state != StateInitializing && m.state != StateAwaitingPairing {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.onOpened",
			"state":    m.state.String(),
		}).Debug("Ignoring open event")
		return
	}

	m.stopTimer()
	m.challenge = ""
	m.attempts = 0
	m.rejections = 0
	m.nextReconnectAt = time.Time{}
	m.probablyFunctional = false
	m.readySince = m.clock.Now()
	m.setState(StateOpen)

	m.readyMu.Lock()
	close(m.readyCh)
	m.readyMu.Unlock()

	m.notify(Notification{Kind: NotifyReady, ReadySince: m.readySince})
}

func (m *Machine) onCredentials(creds *credentials.Credentials) {
	if creds == nil {
		return
	}
	defer creds.Wipe()

	if !m.state.connecting() {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.onCredentials",
			"state":    m.state.String(),
		}).Warn("Dropping credentials from a finished connection")
		return
	}

	if err := m.store.Save(creds); err != nil {
		m.lastErr = fmt.Sprintf("save credentials: %v", err)
		logrus.WithFields(logrus.Fields{
			"function":   "Machine.onCredentials",
			"session_id": m.store.SessionID(),
			"error":      err.Error(),
		}).Error("Failed to persist credentials")
		return
	}
	m.credsPresent = true

	logrus.WithFields(logrus.Fields{
		"function":  "Machine.onCredentials",
		"device_id": creds.DeviceID,
		"paired":    creds.Paired(),
	}).Debug("Credentials persisted")
}

func (m *Machine) onMessage(env *transport.Envelope) {
	if env == nil {
		return
	}
	m.lastActivity = m.clock.Now()
	if m.state != StateOpen && m.state.connecting() && !m.probablyFunctional {
		m.probablyFunctional = true
		logrus.WithFields(logrus.Fields{
			"function": "Machine.onMessage",
			"state":    m.state.String(),
		}).Info("Message received before open; link probably functional")
	}
	m.notify(Notification{Kind: NotifyMessageReceived, Envelope: env})
}

// handleDisconnect applies the reconnect policy to a classified disconnect.
func (m *Machine) handleDisconnect(r DisconnectReason) {
	m.lastDisconnect = &r
	m.stopTimer()

	logrus.WithFields(logrus.Fields{
		"function": "Machine.handleDisconnect",
		"state":    m.state.String(),
		"kind":     r.Kind.String(),
		"code":     r.Code,
		"message":  r.Message,
		"attempts": m.attempts,
	}).Warn("Connection lost")

	switch r.Kind {
	case KindLoggedOut:
		m.bumpGeneration()
		m.closeTransport()
		m.clearCredentials()
		m.challenge = ""
		m.setState(StateLoggedOut)
		m.notify(Notification{Kind: NotifyConnectionLost, Reason: &r, Hint: r.Hint(false, 0)})
		m.notify(Notification{Kind: NotifyLoggedOut, Reason: &r, Hint: r.Hint(false, 0)})
		return
	case KindAuthExpired:
		m.clearCredentials()
	case KindProtocolRejected:
		m.rejections++
		if m.rejections >= m.cfg.rejectLimit() {
			m.notify(Notification{Kind: NotifyConnectionLost, Reason: &r, Hint: r.Error()})
			m.fail(r)
			return
		}
	}

	delay, err := m.cfg.Policy.NextDelay(m.attempts, r.Class())
	if err != nil {
		m.notify(Notification{Kind: NotifyConnectionLost, Reason: &r, Hint: r.Error()})
		m.fail(r)
		return
	}

	m.attempts++
	m.bumpGeneration()
	m.closeTransport()
	m.challenge = ""
	m.setState(StateReconnecting)
	m.nextReconnectAt = m.clock.Now().Add(delay)
	m.startTimer(timerReconnect, delay)

	logrus.WithFields(logrus.Fields{
		"function": "Machine.handleDisconnect",
		"attempt":  m.attempts,
		"delay":    delay.String(),
		"class":    r.Class().String(),
	}).Info("Reconnect scheduled")

	m.notify(Notification{
		Kind:      NotifyConnectionLost,
		Reason:    &r,
		WillRetry: true,
		RetryIn:   delay,
		Hint:      r.Hint(true, delay),
	})
}

// fail moves to Failed. The cause is surfaced verbatim.
func (m *Machine) fail(r DisconnectReason) {
	m.stopTimer()
	m.bumpGeneration()
	m.closeTransport()
	m.clearCredentials()
	m.challenge = ""
	m.nextReconnectAt = time.Time{}
	m.lastErr = r.Error()
	m.setState(StateFailed)

	logrus.WithFields(logrus.Fields{
		"function":    "Machine.fail",
		"session_id":  m.store.SessionID(),
		"cause":       r.Error(),
		"attempts":    m.attempts,
		"rejections":  m.rejections,
		"transitions": m.transitions,
	}).Error("Session failed permanently")

	hint := r.Error()
	if r.NeedsRescan() {
		hint = r.Hint(false, 0)
	}
	m.notify(Notification{Kind: NotifyPermanentFailure, Reason: &r, Hint: hint})
}

// beginInitializing loads credentials and starts an Open for the current
// generation. The init timer bounds Initializing until a qr or open event
// arrives, even when Open itself succeeds.
func (m *Machine) beginInitializing() {
	m.setState(StateInitializing)

	creds, err := m.store.Load()
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		creds = nil
		m.credsPresent = false
	case err != nil:
		r := DisconnectReason{Kind: KindCredentialFailure, Message: err.Error()}
		m.lastDisconnect = &r
		m.fail(r)
		return
	default:
		m.credsPresent = true
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OpenTimeout)
	m.openCancel = cancel
	gen := m.generation

	logrus.WithFields(logrus.Fields{
		"function":   "Machine.beginInitializing",
		"generation": gen,
		"paired":     creds.Paired(),
		"attempt":    m.attempts,
	}).Info("Opening transport")

	go func() {
		defer cancel()
		err := m.adapter.Open(ctx, creds)
		creds.Wipe()
		m.post(command{kind: cmdOpenResult, gen: gen, err: err})
	}()

	m.startTimer(timerInit, m.cfg.OpenTimeout)
}

func (m *Machine) shutdown() {
	m.stopTimer()
	m.bumpGeneration()
	m.setState(StateClosing)
	m.closeTransport()
	m.cancel()
	m.publish()
	m.notifier.Close()

	logrus.WithFields(logrus.Fields{
		"function":   "Machine.shutdown",
		"session_id": m.store.SessionID(),
	}).Info("Session machine closed")
}

func (m *Machine) setState(to ConnectionState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.transitions++

	if from == StateOpen {
		m.readySince = time.Time{}
		m.readyMu.Lock()
		m.readyCh = make(chan struct{})
		m.readyMu.Unlock()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Machine.setState",
		"from":       from.String(),
		"to":         to.String(),
		"generation": m.generation,
	}).Info("Session state changed")

	m.notify(Notification{Kind: NotifyStateChanged, From: from, To: to})
}

func (m *Machine) startTimer(kind timerKind, d time.Duration) {
	m.stopTimer()
	seq := m.timerSeq
	gen := m.generation
	m.timer = m.clock.AfterFunc(d, func() {
		m.post(command{kind: cmdTimer, timer: kind, gen: gen, seq: seq})
	})
}

// stopTimer cancels the pending timer. Bumping timerSeq also invalidates a
// callback that already fired and is waiting to be posted.
func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

// bumpGeneration invalidates timers and open results of the current cycle.
func (m *Machine) bumpGeneration() {
	m.generation++
	if m.openCancel != nil {
		m.openCancel()
		m.openCancel = nil
	}
}

func (m *Machine) closeTransport() {
	if err := m.adapter.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.closeTransport",
			"error":    err.Error(),
		}).Warn("Transport close failed")
	}
}

func (m *Machine) clearCredentials() error {
	m.credsPresent = false
	if err := m.store.Clear(); err != nil {
		m.lastErr = fmt.Sprintf("clear credentials: %v", err)
		logrus.WithFields(logrus.Fields{
			"function":   "Machine.clearCredentials",
			"session_id": m.store.SessionID(),
			"error":      err.Error(),
		}).Error("Failed to clear credentials")
		return err
	}
	return nil
}

func (m *Machine) notify(n Notification) {
	if n.At.IsZero() {
		n.At = m.clock.Now()
	}
	m.notifier.Publish(n)
}

func (m *Machine) publish() {
	m.snap.Store(&Diagnostics{
		SessionID:          m.store.SessionID(),
		State:              m.state,
		HasQR:              m.challenge != "",
		QR:                 m.challenge,
		ReadySince:         m.readySince,
		Generation:         m.generation,
		ReconnectAttempts:  m.attempts,
		ProtocolRejections: m.rejections,
		LastDisconnect:     m.lastDisconnect,
		NextReconnectAt:    m.nextReconnectAt,
		LastError:          m.lastErr,
		LastActivity:       m.lastActivity,
		ProbablyFunctional: m.probablyFunctional,
		CredentialsPresent: m.credsPresent,
		EventsProcessed:    m.eventsProcessed,
		Transitions:        m.transitions,
	})
}
