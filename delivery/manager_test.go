package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/pairlink/limits"
	"github.com/opd-ai/pairlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadyGrace = 30 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.SendTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, ready bool, mutate func(*Config)) (*Manager, *fakeSession, *transport.SimulatedTransport) {
	t.Helper()
	sess := newFakeSession(ready)
	sim := transport.NewSimulatedTransport()
	require.NoError(t, sim.Open(context.Background(), nil))

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg, sess, sim)
	require.NoError(t, err)
	return m, sess, sim
}

// Scenario E, first half: a ready session delivers on the first call.
func TestSendSucceedsFirstAttempt(t *testing.T) {
	m, sess, sim := newTestManager(t, true, nil)

	r, err := m.Send(context.Background(), "555-1234", "hi")
	require.NoError(t, err)
	assert.Equal(t, "5551234@s.link", r.Target)
	assert.Equal(t, 1, r.Attempts)
	assert.False(t, r.Degraded)
	assert.NotEqual(t, uuid.Nil, r.ID)
	assert.False(t, r.SentAt.IsZero())

	sent := sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5551234@s.link", sent[0].Target)
	assert.Equal(t, []byte("hi"), sent[0].Payload)
	assert.Equal(t, 0, sess.reestablishCount())
}

// Scenario E, second half: invalid input never reaches the transport.
func TestSendInvalidInputNeverCallsTransport(t *testing.T) {
	tests := []struct {
		name   string
		target string
		text   string
		cause  error
	}{
		{"empty target", "", "hi", ErrInvalidTarget},
		{"blank target", "   ", "hi", ErrInvalidTarget},
		{"letters", "alice", "hi", ErrInvalidTarget},
		{"too short", "1234", "hi", ErrInvalidTarget},
		{"bad server", "5551234@bad_server", "hi", ErrInvalidTarget},
		{"empty text", "555-1234", "", ErrEmptyText},
		{"blank text", "555-1234", " \n\t ", ErrEmptyText},
		{"oversized text", "555-1234", strings.Repeat("x", limits.MaxTextMessage+1), limits.ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, sess, sim := newTestManager(t, true, nil)

			_, err := m.Send(context.Background(), tt.target, tt.text)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.ErrorIs(t, err, tt.cause)

			var de *Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, KindInvalidInput, de.Kind)
			assert.Equal(t, 0, de.Attempts)

			assert.Empty(t, sim.Sent())
			assert.Equal(t, 0, sess.reestablishCount())
		})
	}
}

func TestSendNotReady(t *testing.T) {
	m, _, sim := newTestManager(t, false, nil)
	sim.SetCanSend(false)

	_, err := m.Send(context.Background(), "5551234", "hi")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, errors.Is(err, ErrTerminal))
	assert.Empty(t, sim.Sent())
}

func TestSendDegradedWhenTransportCanSend(t *testing.T) {
	m, _, sim := newTestManager(t, false, nil)
	sim.SetCanSend(true)

	r, err := m.Send(context.Background(), "5551234", "hi")
	require.NoError(t, err)
	assert.True(t, r.Degraded)
	assert.Len(t, sim.Sent(), 1)
}

func TestSendWaitsForReadiness(t *testing.T) {
	m, sess, sim := newTestManager(t, false, func(c *Config) {
		c.ReadyGrace = time.Second
	})
	sim.SetCanSend(false)

	go func() {
		time.Sleep(10 * time.Millisecond)
		sess.setReady(true)
	}()

	r, err := m.Send(context.Background(), "5551234", "hi")
	require.NoError(t, err)
	assert.False(t, r.Degraded)
}

func TestSendRetriesRecoverableWithReestablish(t *testing.T) {
	m, sess, sim := newTestManager(t, true, nil)

	var mu sync.Mutex
	calls := 0
	sim.SetSendFunc(func(context.Context, string, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return transport.ErrNotConnected
		}
		return nil
	})

	r, err := m.Send(context.Background(), "5551234", "hi")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 1, sess.reestablishCount(), "only the first retry re-establishes")
	assert.Len(t, sim.Sent(), 3)
}

func TestSendExhaustsRetries(t *testing.T) {
	m, sess, sim := newTestManager(t, true, nil)
	sim.SetSendFunc(func(context.Context, string, []byte) error {
		return transport.ErrAckTimeout
	})

	_, err := m.Send(context.Background(), "5551234", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, transport.ErrAckTimeout, "last cause is preserved")

	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 4, de.Attempts)
	assert.Equal(t, "5551234@s.link", de.Target)
	assert.Len(t, sim.Sent(), 4)
	assert.Equal(t, 1, sess.reestablishCount())
}

func TestSendTerminalErrorIsNotRetried(t *testing.T) {
	m, sess, sim := newTestManager(t, true, nil)
	blocked := errors.New("server rejected message: recipient blocked")
	sim.SetSendFunc(func(context.Context, string, []byte) error { return blocked })

	_, err := m.Send(context.Background(), "5551234", "hi")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, blocked)
	assert.Len(t, sim.Sent(), 1)
	assert.Equal(t, 0, sess.reestablishCount())
}

func TestSendHardTimeout(t *testing.T) {
	m, _, _ := newTestManager(t, true, func(c *Config) {
		c.SendTimeout = 20 * time.Millisecond
		c.MaxRetries = 0
	})
	release := make(chan struct{})
	defer close(release)
	m.adapter.(*transport.SimulatedTransport).SetSendFunc(func(context.Context, string, []byte) error {
		<-release
		return nil
	})

	start := time.Now()
	_, err := m.Send(context.Background(), "5551234", "hi")
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRetryRechecksReadiness(t *testing.T) {
	m, sess, sim := newTestManager(t, true, nil)
	sim.SetCanSend(false)
	sess.reestablishFn = func() { sess.setReady(false) }
	sim.SetSendFunc(func(context.Context, string, []byte) error {
		return transport.ErrClosed
	})

	_, err := m.Send(context.Background(), "5551234", "hi")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Len(t, sim.Sent(), 1, "retries wait for readiness instead of replaying")
}

func TestSendCallerCancellation(t *testing.T) {
	m, _, sim := newTestManager(t, true, func(c *Config) {
		c.RetryDelay = time.Second
	})
	sim.SetSendFunc(func(context.Context, string, []byte) error {
		return transport.ErrNotConnected
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Send(ctx, "5551234", "hi")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, sim.Sent(), 1)
}

func TestConcurrentSendsAreIndependent(t *testing.T) {
	m, _, sim := newTestManager(t, true, nil)

	const n = 16
	ids := make(chan uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.Send(context.Background(), "5551234", "hi")
			if assert.NoError(t, err) {
				ids <- r.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uuid.UUID]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate receipt id")
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, sim.Sent(), n)
}

func TestNewManagerValidation(t *testing.T) {
	sim := transport.NewSimulatedTransport()
	_, err := NewManager(DefaultConfig(), nil, sim)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.SendTimeout = 0
	_, err = NewManager(cfg, newFakeSession(true), sim)
	assert.Error(t, err)
}
