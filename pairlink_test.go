package pairlink

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/pairlink/config"
	"github.com/opd-ai/pairlink/delivery"
	"github.com/opd-ai/pairlink/session"
	"github.com/opd-ai/pairlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresServerURLWithoutAdapter(t *testing.T) {
	options := NewOptions()
	options.Config.Credentials.DataDir = t.TempDir()
	options.Config.Credentials.Passphrase = testPassphrase

	_, err := New(options)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewRequiresPassphrase(t *testing.T) {
	options := NewOptions()
	options.Config.Credentials.DataDir = t.TempDir()
	options.Adapter = transport.NewSimulatedTransport()

	_, err := New(options)
	assert.Error(t, err)
}

func TestNewBuildsWebSocketAdapterFromConfig(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 1

	options := NewOptions()
	options.Config.Session.ID = testSessionID
	options.Config.Credentials.DataDir = t.TempDir()
	options.Config.Credentials.Passphrase = testPassphrase
	options.Config.Transport.ServerURL = "ws://127.0.0.1:1/link"
	options.Config.Transport.ServerKey = hex.EncodeToString(key)

	link, err := New(options)
	require.NoError(t, err)
	defer link.Kill()

	assert.IsType(t, &transport.WebSocketAdapter{}, link.adapter)
	assert.Equal(t, testSessionID, link.SessionID())
	assert.Equal(t, session.StateIdle, link.Status().State)
}

func TestLinkPairsAndResumesOverWebSocket(t *testing.T) {
	ls := newLinkServer(t)
	dataDir := t.TempDir()

	link, err := New(ls.options(dataDir))
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(link)

	require.NoError(t, link.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, link.WaitReady(ctx))

	require.Eventually(t, func() bool { return len(rec.snapshot().qrs) == 1 }, testWait, testTick)
	assert.True(t, strings.HasPrefix(rec.snapshot().qrs[0], "ref-1,"))
	require.Eventually(t, func() bool { return link.Diagnostics().CredentialsPresent }, testWait, testTick)

	receipt, err := link.Send(ctx, testIdentity, "hello over the wire")
	require.NoError(t, err)
	assert.Equal(t, testIdentity, receipt.Target)
	assert.Equal(t, 1, receipt.Attempts)

	hellos, sends := ls.snapshot()
	require.Len(t, hellos, 1)
	assert.Equal(t, false, hellos[0]["paired"])
	require.Len(t, sends, 1)
	assert.Equal(t, testIdentity, sends[0]["to"])
	assert.Equal(t, "hello over the wire", sends[0]["body"])
	link.Kill()

	resumed, err := New(ls.options(dataDir))
	require.NoError(t, err)
	defer resumed.Kill()
	require.NoError(t, resumed.Start())
	require.NoError(t, resumed.WaitReady(ctx))

	hellos, _ = ls.snapshot()
	require.Len(t, hellos, 2)
	assert.Equal(t, true, hellos[1]["paired"])
	assert.Equal(t, testIdentity, hellos[1]["identity"])
}

func TestPairingFlowDrivesCallbacks(t *testing.T) {
	h := newLinkHarness(t)
	h.pair()

	require.Eventually(t, func() bool { return h.rec.snapshot().ready == 1 }, testWait, testTick)
	rec := h.rec.snapshot()
	assert.Equal(t, []string{testQR}, rec.qrs)
	assert.Equal(t, []session.ConnectionState{
		session.StateInitializing,
		session.StateAwaitingPairing,
		session.StateOpen,
	}, rec.transitions)

	assert.True(t, h.link.IsReady())
	assert.False(t, h.link.Status().HasQR)
	assert.True(t, h.store.Exists())

	creds, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, testIdentity, creds.Identity)
}

func TestSendWhenOpen(t *testing.T) {
	h := newLinkHarness(t)
	h.pair()

	receipt, err := h.link.Send(context.Background(), "+1 (555) 010-2030", "hello")
	require.NoError(t, err)
	assert.Equal(t, "15550102030@s.link", receipt.Target)
	assert.Equal(t, 1, receipt.Attempts)

	sent := h.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "15550102030@s.link", sent[0].Target)
	assert.Equal(t, "hello", string(sent[0].Payload))
}

func TestSendBeforeStartIsNotReady(t *testing.T) {
	h := newLinkHarness(t)

	_, err := h.link.Send(context.Background(), "15550102030", "hello")
	assert.ErrorIs(t, err, delivery.ErrNotReady)
	assert.Empty(t, h.sim.Sent())
}

func TestInboundMessageCallback(t *testing.T) {
	h := newLinkHarness(t)
	h.pair()

	h.sim.EmitMessage(transport.Envelope{ID: "m1", From: "15550102030@s.link", Body: "hi", Timestamp: time.Now()})
	require.Eventually(t, func() bool { return len(h.rec.snapshot().messages) == 1 }, testWait, testTick)
	assert.Equal(t, "hi", h.rec.snapshot().messages[0].Body)
}

func TestConnectionLostCallbackCarriesHint(t *testing.T) {
	h := newLinkHarness(t)
	h.pair()

	h.sim.EmitClosed(transport.CodeUnavailable, "server restarting")
	h.waitState(session.StateReconnecting)

	require.Eventually(t, func() bool { return len(h.rec.snapshot().lost) == 1 }, testWait, testTick)
	assert.Equal(t, "retrying in 3s", h.rec.snapshot().lost[0])
}

func TestLoggedOutWipesCredentials(t *testing.T) {
	h := newLinkHarness(t)
	h.pair()

	h.sim.EmitClosed(transport.CodeLoggedOut, "device removed")
	h.waitState(session.StateLoggedOut)

	require.Eventually(t, func() bool { return len(h.rec.snapshot().loggedOut) == 1 }, testWait, testTick)
	assert.Equal(t, "logged out: re-scan required", h.rec.snapshot().loggedOut[0])
	assert.False(t, h.store.Exists())
	assert.ErrorIs(t, h.link.Start(), session.ErrLoggedOut)

	require.NoError(t, h.link.ResetSession())
	h.waitState(session.StateIdle)
	require.Eventually(t, func() bool { return h.rec.snapshot().cleared == 1 }, testWait, testTick)
}

func TestSubscribeReceivesNotificationsAndClosesOnKill(t *testing.T) {
	h := newLinkHarness(t)
	ch := h.link.Subscribe(64)

	require.NoError(t, h.link.Start())

	select {
	case n := <-ch:
		assert.Equal(t, session.NotifyStateChanged, n.Kind)
		assert.Equal(t, session.StateIdle, n.From)
		assert.Equal(t, session.StateInitializing, n.To)
	case <-time.After(testWait):
		t.Fatal("no notification received")
	}

	h.link.Kill()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, testWait, testTick)

	closed := h.link.Subscribe(1)
	_, ok := <-closed
	assert.False(t, ok)
}

func TestOperationsAfterKill(t *testing.T) {
	h := newLinkHarness(t)
	h.link.Kill()
	h.link.Kill()

	assert.ErrorIs(t, h.link.Start(), ErrKilled)
	assert.ErrorIs(t, h.link.ResetSession(), ErrKilled)
	_, err := h.link.Send(context.Background(), "15550102030", "hello")
	assert.ErrorIs(t, err, ErrKilled)
}

func TestDiagnosticsReportsSession(t *testing.T) {
	h := newLinkHarness(t)
	h.pair()

	d := h.link.Diagnostics()
	assert.Equal(t, testSessionID, d.SessionID)
	assert.Equal(t, session.StateOpen, d.State)
	assert.True(t, d.CredentialsPresent)
	assert.Zero(t, d.ReconnectAttempts)
}
