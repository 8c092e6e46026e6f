package session

import (
	"fmt"
	"time"

	"github.com/opd-ai/pairlink/reconnect"
)

// Config tunes a Machine.
type Config struct {
	// PairingTimeout is the inactivity window after the latest QR code.
	PairingTimeout time.Duration
	// OpenTimeout bounds one Adapter.Open call and the wait for the first
	// qr or open event after it.
	OpenTimeout time.Duration
	// ProtocolRejectLimit is the number of consecutive protocol rejections
	// that escalate to Failed. Zero means Policy.MaxAttempts.
	ProtocolRejectLimit int
	// Policy computes reconnect delays.
	Policy reconnect.Policy
	// Clock defaults to SystemClock.
	Clock Clock
}

// DefaultConfig returns a 60s pairing window, a 30s open timeout and the
// default reconnect policy.
func DefaultConfig() Config {
	return Config{
		PairingTimeout: 60 * time.Second,
		OpenTimeout:    30 * time.Second,
		Policy:         reconnect.DefaultPolicy(),
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.PairingTimeout <= 0 {
		return fmt.Errorf("%w: pairing timeout must be positive", ErrInvalidConfig)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("%w: open timeout must be positive", ErrInvalidConfig)
	}
	if c.ProtocolRejectLimit < 0 {
		return fmt.Errorf("%w: protocol reject limit must not be negative", ErrInvalidConfig)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) rejectLimit() int {
	if c.ProtocolRejectLimit > 0 {
		return c.ProtocolRejectLimit
	}
	return c.Policy.MaxAttempts
}
