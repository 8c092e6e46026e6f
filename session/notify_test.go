package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierPreservesOrder(t *testing.T) {
	n := NewNotifier()

	var mu sync.Mutex
	var got []string
	n.Subscribe(func(note Notification) {
		mu.Lock()
		got = append(got, note.QR)
		mu.Unlock()
	})

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		qr := string(rune('A' + i%26))
		want = append(want, qr)
		n.Publish(Notification{Kind: NotifyQRAvailable, QR: qr})
	}
	n.Close()

	select {
	case <-n.Done():
	case <-time.After(testWait):
		t.Fatal("notifier did not drain")
	}
	assert.Equal(t, want, got)
}

func TestNotifierSurvivesPanickingListener(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	delivered := make(chan NotificationKind, 2)
	n.Subscribe(func(Notification) { panic("boom") })
	n.Subscribe(func(note Notification) { delivered <- note.Kind })

	n.Publish(Notification{Kind: NotifyReady})
	n.Publish(Notification{Kind: NotifyLoggedOut})

	for _, want := range []NotificationKind{NotifyReady, NotifyLoggedOut} {
		select {
		case k := <-delivered:
			assert.Equal(t, want, k)
		case <-time.After(testWait):
			t.Fatalf("missing %s", want)
		}
	}
}

func TestNotifierDropsAfterClose(t *testing.T) {
	n := NewNotifier()
	calls := 0
	n.Subscribe(func(Notification) { calls++ })
	n.Close()
	<-n.Done()

	n.Publish(Notification{Kind: NotifyReady})
	require.Equal(t, 0, calls)
	n.Subscribe(nil)
}

func TestNotificationKindString(t *testing.T) {
	assert.Equal(t, "connection_lost", NotifyConnectionLost.String())
	assert.Equal(t, "notification(99)", NotificationKind(99).String())
}
