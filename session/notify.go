package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/opd-ai/pairlink/transport"
	"github.com/sirupsen/logrus"
)

// NotificationKind identifies a Notification.
type NotificationKind uint8

const (
	NotifyStateChanged NotificationKind = iota + 1
	NotifyQRAvailable
	NotifyReady
	NotifyConnectionLost
	NotifyLoggedOut
	NotifyPermanentFailure
	NotifySessionCleared
	NotifyMessageReceived
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyStateChanged:
		return "state_changed"
	case NotifyQRAvailable:
		return "qr_available"
	case NotifyReady:
		return "ready"
	case NotifyConnectionLost:
		return "connection_lost"
	case NotifyLoggedOut:
		return "logged_out"
	case NotifyPermanentFailure:
		return "permanent_failure"
	case NotifySessionCleared:
		return "session_cleared"
	case NotifyMessageReceived:
		return "message_received"
	default:
		return fmt.Sprintf("notification(%d)", uint8(k))
	}
}

// Notification is pushed to listeners. Only the fields relevant to Kind are set.
type Notification struct {
	Kind NotificationKind
	At   time.Time

	From, To ConnectionState

	QR         string
	ReadySince time.Time

	Reason    *DisconnectReason
	WillRetry bool
	RetryIn   time.Duration
	// Hint is the user-facing status line for connection_lost,
	// logged_out and permanent_failure.
	Hint string

	Envelope *transport.Envelope
}

// Listener receives notifications on the notifier goroutine.
type Listener func(Notification)

// Notifier delivers notifications in publish order on its own goroutine.
// Publish never blocks: pending notifications wait in an unbounded FIFO.
type Notifier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   *queue.Queue
	listeners []Listener
	closed    bool
	done      chan struct{}
}

// NewNotifier starts the delivery goroutine.
func NewNotifier() *Notifier {
	n := &Notifier{
		pending: queue.New(),
		done:    make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

// Subscribe registers l for every notification published afterwards.
func (n *Notifier) Subscribe(l Listener) {
	if l == nil {
		return
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
}

// Publish queues note for delivery. It is dropped after Close.
func (n *Notifier) Publish(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending.Add(note)
	n.cond.Signal()
}

// Close stops accepting notifications. Already queued ones are still
// delivered; Done is closed afterwards.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
}

// Done is closed once the queue has drained after Close.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier) run() {
	defer close(n.done)

	for {
		n.mu.Lock()
		for n.pending.Length() == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.pending.Length() == 0 {
			n.mu.Unlock()
			return
		}
		note := n.pending.Remove().(Notification)
		listeners := make([]Listener, len(n.listeners))
		copy(listeners, n.listeners)
		n.mu.Unlock()

		for _, l := range listeners {
			deliver(l, note)
		}
	}
}

func deliver(l Listener, note Notification) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Notifier.deliver",
				"notification": note.Kind.String(),
				"panic":        fmt.Sprint(r),
			}).Error("Listener panicked")
		}
	}()
	l(note)
}
