package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/pairlink/credentials"
	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/limits"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// WebSocketConfig configures a WebSocketAdapter.
type WebSocketConfig struct {
	ServerURL        string
	ServerKey        []byte
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	PingInterval     time.Duration
	EventBuffer      int
}

// DefaultWebSocketConfig returns timeouts suitable for a public link server.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       20 * time.Second,
		PingInterval:     25 * time.Second,
		EventBuffer:      64,
	}
}

// WebSocketAdapter implements Adapter over an encrypted WebSocket link.
type WebSocketAdapter struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	events chan Event

	mu   sync.Mutex
	link *wsLink
	// epoch counts Open and Close calls; an Open installs its link only if
	// no later call happened during its handshake.
	epoch uint64
}

// NewWebSocketAdapter validates cfg and returns an idle adapter.
func NewWebSocketAdapter(cfg WebSocketConfig) (*WebSocketAdapter, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid server url %q", cfg.ServerURL)
	}
	if len(cfg.ServerKey) != crypto.KeySize {
		return nil, fmt.Errorf("transport: server key must be %d bytes, got %d", crypto.KeySize, len(cfg.ServerKey))
	}

	def := DefaultWebSocketConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	return &WebSocketAdapter{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		events: make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events implements Adapter.
func (a *WebSocketAdapter) Events() <-chan Event {
	return a.events
}

// Open implements Adapter. It dials, runs the Noise IK handshake and starts
// the read loop. A nil creds generates a fresh device key.
func (a *WebSocketAdapter) Open(ctx context.Context, creds *credentials.Credentials) error {
	fresh := creds == nil
	if fresh {
		var err error
		creds, err = credentials.NewDevice()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
	} else {
		if err := creds.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
		creds = creds.Clone()
	}

	kp, err := creds.KeyPair()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	defer crypto.WipeKeyPair(kp)

	serverKey := a.cfg.ServerKey
	if len(creds.ServerKey) == crypto.KeySize {
		serverKey = creds.ServerKey
	}

	// a new Open replaces whatever connection is left
	a.Close()
	a.mu.Lock()
	a.epoch++
	epoch := a.epoch
	a.mu.Unlock()

	hctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, _, err := a.dialer.DialContext(hctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}

	cipher, v, err := handshakeInitiator(hctx, conn, kp, serverKey, creds)
	if err != nil {
		conn.Close()
		return err
	}
	if v.Status == verdictRejected {
		conn.Close()
		return &CloseError{Code: v.Code, Message: v.Message}
	}

	if fresh {
		creds.ServerKey = append([]byte(nil), serverKey...)
	}

	l := &wsLink{
		adapter: a,
		conn:    conn,
		cipher:  cipher,
		creds:   creds,
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}

	a.mu.Lock()
	if a.epoch != epoch || ctx.Err() != nil {
		a.mu.Unlock()
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function":  "WebSocketAdapter.Open",
			"server":    a.cfg.ServerURL,
			"device_id": creds.DeviceID,
		}).Debug("Discarding link superseded during handshake")
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return ErrClosed
	}
	a.link = l
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "WebSocketAdapter.Open",
		"server":    a.cfg.ServerURL,
		"device_id": creds.DeviceID,
		"verdict":   v.Status,
		"fresh":     fresh,
	}).Info("Link established")

	if fresh {
		l.emit(CredentialsEvent(creds))
	}

	go l.readLoop()
	go l.pingLoop(a.cfg.PingInterval)

	return nil
}

func handshakeInitiator(ctx context.Context, conn *websocket.Conn, kp *crypto.KeyPair, serverKey []byte, creds *credentials.Credentials) (*FrameCipher, verdict, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		conn.SetWriteDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
		defer conn.SetWriteDeadline(time.Time{})
	}

	hs, err := NewIKHandshake(kp, serverKey, Initiator)
	if err != nil {
		return nil, verdict{}, err
	}
	defer hs.Wipe()

	payload, err := json.Marshal(hello{
		DeviceID: creds.DeviceID,
		Paired:   creds.Paired(),
		Identity: creds.Identity,
	})
	if err != nil {
		return nil, verdict{}, err
	}

	msg1, err := hs.WriteMessage(payload)
	if err != nil {
		return nil, verdict{}, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg1); err != nil {
		return nil, verdict{}, fmt.Errorf("%w: send: %v", ErrHandshake, err)
	}

	_, msg2, err := conn.ReadMessage()
	if err != nil {
		return nil, verdict{}, fmt.Errorf("%w: receive: %v", ErrHandshake, err)
	}
	reply, err := hs.ReadMessage(msg2)
	if err != nil {
		return nil, verdict{}, err
	}

	var v verdict
	if err := json.Unmarshal(reply, &v); err != nil {
		return nil, verdict{}, fmt.Errorf("%w: verdict: %v", ErrHandshake, err)
	}

	cipher, err := hs.Cipher()
	if err != nil {
		return nil, verdict{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return cipher, v, nil
}

// Send implements Adapter. It waits for the server's ack.
func (a *WebSocketAdapter) Send(ctx context.Context, target string, payload []byte) error {
	l := a.current()
	if l == nil {
		return ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.AckTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ackCh := make(chan frame, 1)
	l.addPending(id, ackCh)
	defer l.removePending(id)

	err := l.write(frame{
		Type: frameSend,
		ID:   id,
		To:   target,
		Body: string(payload),
		TS:   time.Now().UnixMilli(),
	})
	if err != nil {
		if errors.Is(err, limits.ErrMessageTooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return fmt.Errorf("server rejected message %s: %s", id, ack.Error)
		}
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: message %s", ErrAckTimeout, id)
		}
		return ctx.Err()
	}
}

// Close implements Adapter. The closed event is suppressed for local closes.
func (a *WebSocketAdapter) Close() error {
	a.mu.Lock()
	a.epoch++
	l := a.link
	a.link = nil
	a.mu.Unlock()

	if l == nil {
		return nil
	}

	l.local.Store(true)
	_ = l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	l.shutdown()
	a.dropBuffered()
	return nil
}

// dropBuffered discards events the closed link queued but nobody consumed.
// Only one link is live at a time, so everything buffered belongs to it.
func (a *WebSocketAdapter) dropBuffered() {
	dropped := 0
	for {
		select {
		case <-a.events:
			dropped++
		default:
			if dropped > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "WebSocketAdapter.dropBuffered",
					"dropped":  dropped,
				}).Debug("Dropped events from closed link")
			}
			return
		}
	}
}

// CanSend implements Prober: an encrypted link is up, whether or not the
// server confirmed the session.
func (a *WebSocketAdapter) CanSend() bool {
	l := a.current()
	return l != nil && !l.isDone()
}

func (a *WebSocketAdapter) current() *wsLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

func (a *WebSocketAdapter) release(l *wsLink) {
	a.mu.Lock()
	if a.link == l {
		a.link = nil
	}
	a.mu.Unlock()
}

// wsLink is one established connection.
type wsLink struct {
	adapter *WebSocketAdapter
	conn    *websocket.Conn
	cipher  *FrameCipher
	creds   *credentials.Credentials

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	local     atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	// emitMu lets shutdown wait out an emit that is already sending.
	emitMu sync.RWMutex
}

// emit never delivers once done is closed.
func (l *wsLink) emit(ev Event) {
	l.emitMu.RLock()
	defer l.emitMu.RUnlock()
	if l.isDone() {
		return
	}
	select {
	case l.adapter.events <- ev:
	case <-l.done:
	}
}

func (l *wsLink) isDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *wsLink) shutdown() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.emitMu.Lock()
		l.emitMu.Unlock()
		l.conn.Close()
		l.adapter.release(l)
	})
}

func (l *wsLink) write(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	ciphertext, err := l.cipher.Encrypt(data)
	if err != nil {
		return err
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.BinaryMessage, ciphertext)
}

func (l *wsLink) addPending(id string, ch chan frame) {
	l.pendingMu.Lock()
	l.pending[id] = ch
	l.pendingMu.Unlock()
}

func (l *wsLink) removePending(id string) {
	l.pendingMu.Lock()
	delete(l.pending, id)
	l.pendingMu.Unlock()
}

func (l *wsLink) resolvePending(f frame) {
	l.pendingMu.Lock()
	ch, ok := l.pending[f.ID]
	l.pendingMu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "wsLink.resolvePending",
			"message_id": f.ID,
		}).Debug("Ack for unknown message")
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (l *wsLink) readLoop() {
	defer l.shutdown()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.local.Load() {
				return
			}
			code, msg := closeCodeFromError(err)
			logrus.WithFields(logrus.Fields{
				"function": "wsLink.readLoop",
				"code":     code,
				"error":    err.Error(),
			}).Warn("Link read failed")
			l.emit(ClosedEvent(code, msg))
			return
		}

		plaintext, err := l.cipher.Decrypt(data)
		if err != nil {
			// the nonce stream is out of step; nothing after this can be read
			if !l.local.Load() {
				l.emit(ClosedEvent(CodeNetwork, err.Error()))
			}
			return
		}

		f, err := decodeFrame(plaintext)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "wsLink.readLoop",
				"error":    err.Error(),
			}).Warn("Dropping malformed frame")
			continue
		}

		if stop := l.handle(f); stop {
			return
		}
	}
}

// handle dispatches one frame and reports whether the link is finished.
func (l *wsLink) handle(f frame) bool {
	switch f.Type {
	case frameQR:
		if f.Ref == "" || len(f.Ref) > limits.MaxQRPayload {
			logrus.WithFields(logrus.Fields{
				"function": "wsLink.handle",
				"size":     len(f.Ref),
			}).Warn("Ignoring qr frame with invalid ref")
			return false
		}
		l.emit(QREvent(l.qrData(f.Ref)))
	case framePaired:
		l.creds.Identity = f.Identity
		l.creds.PairedAt = time.Now()
		l.emit(CredentialsEvent(l.creds))
	case frameOpen:
		l.emit(OpenedEvent())
	case frameClose:
		if !l.local.Load() {
			l.emit(ClosedEvent(f.Code, f.Message))
		}
		return true
	case frameMessage:
		ts := time.Now()
		if f.TS > 0 {
			ts = time.UnixMilli(f.TS)
		}
		l.emit(MessageEvent(Envelope{ID: f.ID, From: f.From, Body: f.Body, Timestamp: ts}))
	case frameAck:
		l.resolvePending(f)
	case framePing:
		if err := l.write(frame{Type: framePong}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "wsLink.handle",
				"error":    err.Error(),
			}).Debug("Pong write failed")
		}
	case framePong:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "wsLink.handle",
			"type":     f.Type,
		}).Debug("Ignoring unknown frame type")
	}
	return false
}

// qrData is what the phone scans: server ref, device public key, device id.
func (l *wsLink) qrData(ref string) string {
	return strings.Join([]string{
		ref,
		base64.StdEncoding.EncodeToString(l.creds.StaticPublic),
		l.creds.DeviceID,
	}, ",")
}

func (l *wsLink) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.write(frame{Type: framePing}); err != nil {
				return
			}
		}
	}
}

// closeCodeFromError maps a read error to a close code. Application close
// codes travel as 4000+code in the WebSocket close frame.
func closeCodeFromError(err error) (CloseCode, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code >= 4000 && ce.Code < 5000 {
			return CloseCode(ce.Code - 4000), ce.Text
		}
		return CodeConnectionClosed, ce.Error()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimedOut, err.Error()
	}
	return CodeNetwork, err.Error()
}
