package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/pairlink/limits"
	"github.com/opd-ai/pairlink/transport"
	"github.com/sirupsen/logrus"
)

// Session is the readiness view the manager needs. *session.Machine
// implements it.
type Session interface {
	IsReady() bool
	WaitReady(ctx context.Context) error
	Reestablish() error
}

// Config tunes a Manager.
type Config struct {
	// ReadyGrace is how long Send waits for the session to open.
	ReadyGrace time.Duration
	// SendTimeout bounds one transport send.
	SendTimeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// DefaultServer completes bare phone-style targets.
	DefaultServer string
}

// DefaultConfig returns a 5s grace, 30s timeout and three 1s-spaced retries.
func DefaultConfig() Config {
	return Config{
		ReadyGrace:    5 * time.Second,
		SendTimeout:   30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		DefaultServer: DefaultServer,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.ReadyGrace < 0:
		return errors.New("delivery: ready grace must not be negative")
	case c.SendTimeout <= 0:
		return errors.New("delivery: send timeout must be positive")
	case c.MaxRetries < 0:
		return errors.New("delivery: max retries must not be negative")
	case c.RetryDelay < 0:
		return errors.New("delivery: retry delay must not be negative")
	case c.DefaultServer == "":
		return errors.New("delivery: default server is required")
	}
	return nil
}

// Receipt describes an accepted message.
type Receipt struct {
	ID       uuid.UUID `json:"id"`
	Target   string    `json:"target"`
	Attempts int       `json:"attempts"`
	SentAt   time.Time `json:"sent_at"`
	// Degraded is set when the send went out before the session confirmed
	// readiness.
	Degraded bool `json:"degraded,omitempty"`
}

// Manager delivers outbound messages. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	session Session
	adapter transport.Adapter
}

// NewManager returns a manager sending through adapter.
func NewManager(cfg Config, session Session, adapter transport.Adapter) (*Manager, error) {
	if session == nil || adapter == nil {
		return nil, errors.New("delivery: session and adapter are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, session: session, adapter: adapter}, nil
}

// Send validates the input, waits briefly for readiness and delivers text to
// target, retrying recoverable failures. Every failure is an *Error.
func (m *Manager) Send(ctx context.Context, target, text string) (Receipt, error) {
	addr, err := NormalizeTarget(target, m.cfg.DefaultServer)
	if err != nil {
		return Receipt{}, &Error{Kind: KindInvalidInput, Target: target, Cause: err}
	}
	if strings.TrimSpace(text) == "" {
		return Receipt{}, &Error{Kind: KindInvalidInput, Target: addr, Cause: ErrEmptyText}
	}
	if err := limits.ValidateText(text); err != nil {
		return Receipt{}, &Error{Kind: KindInvalidInput, Target: addr, Cause: err}
	}

	id := uuid.New()
	payload := []byte(text)
	maxAttempts := 1 + m.cfg.MaxRetries

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if attempt == 2 {
				// the first retry runs on a fresh connection
				if err := m.session.Reestablish(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Manager.Send",
						"id":       id.String(),
						"error":    err.Error(),
					}).Warn("Re-establish before retry failed")
				}
			}
			if err := sleepCtx(ctx, m.cfg.RetryDelay); err != nil {
				return Receipt{}, &Error{Kind: KindTerminal, Attempts: attempt - 1, Target: addr, Cause: err}
			}
		}

		degraded, err := m.awaitReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Receipt{}, &Error{Kind: KindTerminal, Attempts: attempt - 1, Target: addr, Cause: ctx.Err()}
			}
			if attempt == 1 {
				return Receipt{}, &Error{Kind: KindNotReady, Target: addr, Cause: err}
			}
			lastErr = err
			continue
		}

		err = m.dispatch(ctx, addr, payload)
		if err == nil {
			r := Receipt{
				ID:       id,
				Target:   addr,
				Attempts: attempt,
				SentAt:   time.Now(),
				Degraded: degraded,
			}
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Send",
				"id":       id.String(),
				"target":   addr,
				"attempts": attempt,
				"degraded": degraded,
			}).Info("Message delivered")
			return r, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return Receipt{}, &Error{Kind: KindTerminal, Attempts: attempt, Target: addr, Cause: ctx.Err()}
		}
		if !IsRecoverable(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Send",
				"id":       id.String(),
				"target":   addr,
				"error":    err.Error(),
			}).Error("Delivery failed, not retryable")
			return Receipt{}, &Error{Kind: KindTerminal, Attempts: attempt, Target: addr, Cause: err}
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Manager.Send",
			"id":        id.String(),
			"attempt":   attempt,
			"remaining": maxAttempts - attempt,
			"error":     err.Error(),
		}).Warn("Recoverable delivery failure")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Send",
		"id":       id.String(),
		"target":   addr,
		"attempts": maxAttempts,
		"error":    lastErr.Error(),
	}).Error("Delivery retries exhausted")

	return Receipt{}, &Error{Kind: KindTerminal, Attempts: maxAttempts, Target: addr, Cause: lastErr}
}

// awaitReady waits up to ReadyGrace for the session. If it stays closed but
// the transport reports a usable send path, the send proceeds degraded.
func (m *Manager) awaitReady(ctx context.Context) (bool, error) {
	if m.session.IsReady() {
		return false, nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyGrace)
	defer cancel()
	err := m.session.WaitReady(graceCtx)
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if p, ok := m.adapter.(transport.Prober); ok && p.CanSend() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.awaitReady",
			"grace":    m.cfg.ReadyGrace.String(),
		}).Warn("Session not ready, sending in degraded mode")
		return true, nil
	}
	return false, fmt.Errorf("%w: %v", ErrNotReady, err)
}

// dispatch runs one transport send under SendTimeout. The deadline holds even
// if the adapter ignores its context.
func (m *Manager) dispatch(ctx context.Context, addr string, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- m.adapter.Send(sendCtx, addr, payload)
	}()

	select {
	case err := <-result:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("send to %s: %w", addr, sendCtx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
