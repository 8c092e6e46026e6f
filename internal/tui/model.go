// Package tui is the live terminal view of a running link. It shows the
// session state, the pairing QR while one is pending and a scrolling log of
// notifications.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/opd-ai/pairlink/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	stateStyles = map[session.ConnectionState]lipgloss.Style{
		session.StateOpen:            lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		session.StateAwaitingPairing: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		session.StateReconnecting:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		session.StateLoggedOut:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		session.StateFailed:          lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	}

	defaultStateStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)
)

const maxLogLines = 200

// Controller is the part of a Link the view drives.
type Controller interface {
	SessionID() string
	Status() session.Status
	Start() error
	ResetSession() error
}

// noteMsg carries one notification from the link.
type noteMsg session.Notification

// closedMsg is sent once the notification channel is closed.
type closedMsg struct{}

// errMsg carries a failed key action.
type errMsg error

// Model is the bubbletea model for `pairlinkctl run --tui`.
type Model struct {
	ctl    Controller
	notes  <-chan session.Notification
	status session.Status
	log    []string
	width  int
	height int
	err    error
	ended  bool
}

// New returns a Model reading notifications from notes.
func New(ctl Controller, notes <-chan session.Notification) Model {
	return Model{
		ctl:    ctl,
		notes:  notes,
		status: ctl.Status(),
	}
}

// Init starts listening for notifications.
func (m Model) Init() tea.Cmd {
	return waitForNote(m.notes)
}

func waitForNote(ch <-chan session.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return noteMsg(n)
	}
}

// Update processes messages and returns an updated model plus any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			m.err = nil
			return m, runAction(m.ctl.Start)
		case "x":
			m.err = nil
			return m, runAction(m.ctl.ResetSession)
		}
		return m, nil

	case noteMsg:
		n := session.Notification(msg)
		m.status = m.ctl.Status()
		m.log = append(m.log, FormatNotification(n))
		if len(m.log) > maxLogLines {
			m.log = m.log[len(m.log)-maxLogLines:]
		}
		return m, waitForNote(m.notes)

	case closedMsg:
		m.ended = true
		return m, nil

	case errMsg:
		m.err = msg
		return m, nil
	}

	return m, nil
}

func runAction(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return errMsg(err)
		}
		return nil
	}
}

// View renders the status header, the QR when pending and the log tail.
func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf(" pairlink: %s ", m.ctl.SessionID())))
	sb.WriteString("\n\n")

	style, ok := stateStyles[m.status.State]
	if !ok {
		style = defaultStateStyle
	}
	sb.WriteString("State: ")
	sb.WriteString(style.Render(m.status.State.String()))
	if !m.status.ReadySince.IsZero() {
		sb.WriteString(dimStyle.Render(fmt.Sprintf("  since %s", m.status.ReadySince.Format("15:04:05"))))
	}
	sb.WriteString("\n\n")

	used := 4
	if m.status.HasQR {
		qr := RenderQR(m.status.QR)
		sb.WriteString("Scan with the primary device:\n")
		sb.WriteString(qr)
		used += 1 + strings.Count(qr, "\n")
	}

	logHeight := m.height - used - 3
	if m.height == 0 || logHeight < 3 {
		logHeight = 10
	}
	if len(m.log) == 0 {
		sb.WriteString(dimStyle.Render("No events yet."))
		sb.WriteString("\n")
	} else {
		start := len(m.log) - logHeight
		if start < 0 {
			start = 0
		}
		for _, line := range m.log[start:] {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	if m.err != nil {
		sb.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		sb.WriteString("\n")
	}
	bar := "q: quit  s: start  x: reset session"
	if m.ended {
		bar = "link stopped  |  " + bar
	}
	sb.WriteString(statusBarStyle.Render(bar))
	return sb.String()
}

// FormatNotification renders n as a single log line.
func FormatNotification(n session.Notification) string {
	ts := n.At.Format("15:04:05")
	if n.At.IsZero() {
		ts = time.Now().Format("15:04:05")
	}
	switch n.Kind {
	case session.NotifyStateChanged:
		return fmt.Sprintf("%s  %s -> %s", ts, n.From, n.To)
	case session.NotifyQRAvailable:
		return fmt.Sprintf("%s  pairing code available", ts)
	case session.NotifyReady:
		return fmt.Sprintf("%s  ready", ts)
	case session.NotifyConnectionLost, session.NotifyLoggedOut, session.NotifyPermanentFailure:
		return fmt.Sprintf("%s  %s: %s", ts, n.Kind, n.Hint)
	case session.NotifySessionCleared:
		return fmt.Sprintf("%s  session cleared", ts)
	case session.NotifyMessageReceived:
		if n.Envelope != nil {
			return fmt.Sprintf("%s  message from %s: %s", ts, n.Envelope.From, n.Envelope.Body)
		}
	}
	return fmt.Sprintf("%s  %s", ts, n.Kind)
}
