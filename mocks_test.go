package pairlink

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/pairlink/config"
	"github.com/opd-ai/pairlink/credentials"
	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/session"
	"github.com/opd-ai/pairlink/transport"
	"github.com/stretchr/testify/require"
)

// recorder collects callback invocations.
type recorder struct {
	mu          sync.Mutex
	qrs         []string
	ready       int
	lost        []string
	loggedOut   []string
	failures    []string
	cleared     int
	messages    []transport.Envelope
	transitions []session.ConnectionState
}

func (r *recorder) attach(l *Link) {
	l.OnQR(func(qr string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.qrs = append(r.qrs, qr)
	})
	l.OnReady(func(session.Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ready++
	})
	l.OnConnectionLost(func(_ session.DisconnectReason, _ bool, hint string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.lost = append(r.lost, hint)
	})
	l.OnLoggedOut(func(hint string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.loggedOut = append(r.loggedOut, hint)
	})
	l.OnPermanentFailure(func(_ session.DisconnectReason, hint string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.failures = append(r.failures, hint)
	})
	l.OnSessionCleared(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cleared++
	})
	l.OnMessage(func(env transport.Envelope) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, env)
	})
	l.OnStateChange(func(_, to session.ConnectionState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.transitions = append(r.transitions, to)
	})
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		qrs:         append([]string(nil), r.qrs...),
		ready:       r.ready,
		lost:        append([]string(nil), r.lost...),
		loggedOut:   append([]string(nil), r.loggedOut...),
		failures:    append([]string(nil), r.failures...),
		cleared:     r.cleared,
		messages:    append([]transport.Envelope(nil), r.messages...),
		transitions: append([]session.ConnectionState(nil), r.transitions...),
	}
}

type linkHarness struct {
	t     *testing.T
	link  *Link
	sim   *transport.SimulatedTransport
	store *credentials.Store
	rec   *recorder
}

func newLinkHarness(t *testing.T) *linkHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Session.ID = testSessionID
	cfg.Credentials.DataDir = t.TempDir()
	cfg.Credentials.Passphrase = testPassphrase
	cfg.Delivery.RetryDelay = config.D(10 * time.Millisecond)
	cfg.Delivery.ReadyGrace = config.D(200 * time.Millisecond)

	store, err := credentials.NewStore(cfg.Credentials.DataDir, cfg.Session.ID, []byte(testPassphrase))
	require.NoError(t, err)

	sim := transport.NewSimulatedTransport()
	link, err := New(&Options{Config: cfg, Store: store, Adapter: sim})
	require.NoError(t, err)
	t.Cleanup(link.Kill)

	h := &linkHarness{t: t, link: link, sim: sim, store: store, rec: &recorder{}}
	h.rec.attach(link)
	return h
}

func (h *linkHarness) waitState(s session.ConnectionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.link.Status().State == s }, testWait, testTick,
		"state %s never reached, currently %s", s, h.link.Status().State)
}

// pair runs a fresh pairing to Open.
func (h *linkHarness) pair() {
	h.t.Helper()
	require.NoError(h.t, h.link.Start())
	require.Eventually(h.t, func() bool { return h.sim.Opens() == 1 }, testWait, testTick)

	h.sim.EmitQR(testQR)
	h.waitState(session.StateAwaitingPairing)

	creds, err := credentials.NewDevice()
	require.NoError(h.t, err)
	creds.Identity = testIdentity
	creds.PairedAt = time.Now()
	h.sim.EmitCredentials(creds)
	h.sim.EmitOpened()
	h.waitState(session.StateOpen)
}

// linkServer answers the link protocol over a real WebSocket: it pairs fresh
// devices, resumes paired ones and acks every send.
type linkServer struct {
	t   *testing.T
	key *crypto.KeyPair
	srv *httptest.Server

	mu     sync.Mutex
	hellos []map[string]any
	sends  []map[string]any
}

func newLinkServer(t *testing.T) *linkServer {
	t.Helper()

	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ls := &linkServer{t: t, key: key}
	upgrader := websocket.Upgrader{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ls.serve(conn)
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

// options returns Link options that dial this server.
func (ls *linkServer) options(dataDir string) *Options {
	options := NewOptions()
	options.Config.Session.ID = testSessionID
	options.Config.Credentials.DataDir = dataDir
	options.Config.Credentials.Passphrase = testPassphrase
	options.Config.Transport.ServerURL = "ws" + strings.TrimPrefix(ls.srv.URL, "http")
	options.Config.Transport.ServerKey = hex.EncodeToString(ls.key.Public[:])
	options.Config.Delivery.RetryDelay = config.D(10 * time.Millisecond)
	return options
}

func (ls *linkServer) serve(conn *websocket.Conn) {
	_, msg1, err := conn.ReadMessage()
	if err != nil {
		return
	}
	hs, err := transport.NewIKHandshake(ls.key, nil, transport.Responder)
	if err != nil {
		return
	}
	payload, err := hs.ReadMessage(msg1)
	if err != nil {
		return
	}
	var hello map[string]any
	if err := json.Unmarshal(payload, &hello); err != nil {
		return
	}
	ls.mu.Lock()
	ls.hellos = append(ls.hellos, hello)
	ls.mu.Unlock()

	paired, _ := hello["paired"].(bool)
	status := "ok"
	if !paired {
		status = "pair"
	}
	reply, _ := json.Marshal(map[string]any{"status": status})
	msg2, err := hs.WriteMessage(reply)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg2); err != nil {
		return
	}
	cipher, err := hs.Cipher()
	if err != nil {
		return
	}

	write := func(f map[string]any) error {
		data, _ := json.Marshal(f)
		ct, err := cipher.Encrypt(data)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, ct)
	}

	if !paired {
		write(map[string]any{"type": "qr", "ref": "ref-1"})
		write(map[string]any{"type": "paired", "identity": testIdentity})
	}
	write(map[string]any{"type": "open"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pt, err := cipher.Decrypt(data)
		if err != nil {
			return
		}
		var f map[string]any
		if err := json.Unmarshal(pt, &f); err != nil {
			return
		}
		switch f["type"] {
		case "send":
			ls.mu.Lock()
			ls.sends = append(ls.sends, f)
			ls.mu.Unlock()
			write(map[string]any{"type": "ack", "id": f["id"]})
		case "ping":
			write(map[string]any{"type": "pong"})
		}
	}
}

func (ls *linkServer) snapshot() (hellos, sends []map[string]any) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return append([]map[string]any(nil), ls.hellos...), append([]map[string]any(nil), ls.sends...)
}
