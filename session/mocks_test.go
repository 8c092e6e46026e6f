package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/pairlink/credentials"
	"github.com/opd-ai/pairlink/transport"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// fakeClock records scheduled timers and fires them on demand.
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	// initWindow is the Initializing timeout; scheduled leaves those out.
	initWindow time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// scheduled returns pairing and reconnect timers in order.
func (c *fakeClock) scheduled() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if t.delay != c.initWindow {
			out = append(out, t)
		}
	}
	return out
}

// delays returns every pairing and reconnect delay in order.
func (c *fakeClock) delays() []time.Duration {
	timers := c.scheduled()
	out := make([]time.Duration, 0, len(timers))
	for _, t := range timers {
		out = append(out, t.delay)
	}
	return out
}

// initTimers returns the Initializing timers in order.
func (c *fakeClock) initTimers() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if t.delay == c.initWindow {
			out = append(out, t)
		}
	}
	return out
}

// active returns the most recent timer that was neither stopped nor fired.
func (c *fakeClock) active() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.timers) - 1; i >= 0; i-- {
		if t := c.timers[i]; !t.stopped && !t.fired {
			return t
		}
	}
	return nil
}

// fire advances the clock and runs t's callback even if t was stopped, which
// is how a late AfterFunc callback looks to the machine.
func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	t.fired = true
	c.now = c.now.Add(t.delay)
	c.mu.Unlock()
	t.fn()
}

func (c *fakeClock) fireActive(tb testing.TB) {
	tb.Helper()
	t := c.active()
	require.NotNil(tb, t, "no active timer")
	c.fire(t)
}

// ---------------------------------------------------------------------------
// failingStore wraps a real store and fails selected operations.
// ---------------------------------------------------------------------------

var errDiskFull = errors.New("disk full")

type failingStore struct {
	*credentials.Store
	failSave bool
}

func (s *failingStore) Save(creds *credentials.Credentials) error {
	if s.failSave {
		return errDiskFull
	}
	return s.Store.Save(creds)
}

// ---------------------------------------------------------------------------
// noteRecorder collects notifications.
// ---------------------------------------------------------------------------

type noteRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *noteRecorder) listen(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *noteRecorder) of(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (r *noteRecorder) count(kind NotificationKind) int {
	return len(r.of(kind))
}

// ---------------------------------------------------------------------------
// harness wires a Machine to a simulated transport and a temp-dir store.
// ---------------------------------------------------------------------------

type harness struct {
	t     *testing.T
	m     *Machine
	sim   *transport.SimulatedTransport
	store *credentials.Store
	clock *fakeClock
	notes *noteRecorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	store, err := credentials.NewStore(t.TempDir(), testSessionID, []byte(testPassphrase))
	require.NoError(t, err)
	return newHarnessWithStore(t, store, store, mutate)
}

func newHarnessWithStore(t *testing.T, store *credentials.Store, cs CredentialStore, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		sim:   transport.NewSimulatedTransport(),
		store: store,
		clock: newFakeClock(),
		notes: &noteRecorder{},
	}
	cfg := DefaultConfig()
	cfg.OpenTimeout = testOpenTimeout
	cfg.Clock = h.clock
	if mutate != nil {
		mutate(&cfg)
	}
	h.clock.initWindow = cfg.OpenTimeout

	m, err := NewMachine(cfg, cs, h.sim)
	require.NoError(t, err)
	m.Subscribe(h.notes.listen)
	h.m = m
	t.Cleanup(func() { m.Close() })
	return h
}

// seedPaired persists paired credentials as if a previous run had paired.
func (h *harness) seedPaired() *credentials.Credentials {
	h.t.Helper()
	creds, err := credentials.NewDevice()
	require.NoError(h.t, err)
	creds.Identity = testIdentity
	creds.PairedAt = time.Now()
	require.NoError(h.t, h.store.Save(creds))
	return creds
}

func (h *harness) waitState(s ConnectionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.m.Status().State == s }, testWait, testTick,
		"state %s never reached, currently %s", s, h.m.Status().State)
}

func (h *harness) waitOpens(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.sim.Opens() == n }, testWait, testTick,
		"expected %d opens, got %d", n, h.sim.Opens())
}

func (h *harness) waitNotes(kind NotificationKind, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.notes.count(kind) >= n }, testWait, testTick,
		"expected %d %s notifications, got %d", n, kind, h.notes.count(kind))
}

// open drives Idle to Open with seeded credentials.
func (h *harness) open() {
	h.t.Helper()
	before := h.sim.Opens()
	require.NoError(h.t, h.m.Start())
	h.waitOpens(before + 1)
	h.sim.EmitOpened()
	h.waitState(StateOpen)
}
